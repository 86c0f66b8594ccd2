package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huestage/artnethue-bridge/internal/artnet"
	"github.com/huestage/artnethue-bridge/internal/channelmap"
	"github.com/huestage/artnethue-bridge/internal/config"
	"github.com/huestage/artnethue-bridge/internal/huebridge"
	"github.com/huestage/artnethue-bridge/internal/status"
	"github.com/huestage/artnethue-bridge/internal/stream"
)

const testConfigID = "11111111-2222-3333-4444-555555555555"

func newTestBridge(t *testing.T, handler http.HandlerFunc) *huebridge.Client {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)
	return huebridge.New(srv.Listener.Addr().String(), "app-key", nil)
}

func baseHub() config.HubEntry {
	return config.HubEntry{
		ID:                           "hub-1",
		Host:                         "127.0.0.1",
		Username:                     "app-key",
		ClientKey:                    "aabbcc",
		EntertainmentConfigurationID: testConfigID,
		ArtNetUniverse:               0,
		Channels: []config.ChannelEntry{
			{ChannelID: 0, DMXStart: 1, ChannelMode: "8bit"},
		},
	}
}

func TestStageError_WrapsUnderlying(t *testing.T) {
	inner := assertErr("boom")
	err := &StageError{Stage: "connect", Err: inner}
	assert.Contains(t, err.Error(), "connect")
	assert.Contains(t, err.Error(), "boom")
	assert.ErrorIs(t, err, inner)
}

type testErr string

func (e testErr) Error() string { return string(e) }

func assertErr(msg string) error { return testErr(msg) }

func TestStart_RejectsMissingEntertainmentConfigurationID(t *testing.T) {
	hub := baseHub()
	hub.EntertainmentConfigurationID = ""
	bridge := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no HTTP call should be made before entertainmentConfigurationId is validated")
	})

	r := New(hub, bridge, nil, nil)
	err := r.Start(context.Background())
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "resolve_configuration", stageErr.Stage)
}

func TestStart_FailsWhenRemoteConfigurationMissing(t *testing.T) {
	hub := baseHub()
	bridge := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": []}`))
	})

	r := New(hub, bridge, nil, nil)
	err := r.Start(context.Background())
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "resolve_configuration", stageErr.Stage)
}

func TestStart_FailsOnChannelSetMismatch(t *testing.T) {
	hub := baseHub()
	bridge := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		resp, _ := json.Marshal(map[string]any{
			"data": []map[string]any{
				{
					"id":       testConfigID,
					"metadata": map[string]any{"name": "Room"},
					"channels": []map[string]any{{"channel_id": 5}},
				},
			},
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(resp)
	})

	r := New(hub, bridge, nil, nil)
	err := r.Start(context.Background())
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "resolve_configuration", stageErr.Stage)
	assert.Contains(t, stageErr.Error(), "missing")
}

func TestVerifyChannelSet_ExactMatch(t *testing.T) {
	channels := []config.ChannelEntry{{ChannelID: 0}, {ChannelID: 1}}
	require.NoError(t, verifyChannelSet(channels, []int{0, 1}))
}

func TestVerifyChannelSet_ReportsMissingAndExtra(t *testing.T) {
	channels := []config.ChannelEntry{{ChannelID: 0}, {ChannelID: 2}}
	err := verifyChannelSet(channels, []int{0, 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
	assert.Contains(t, err.Error(), "extra")
}

func TestHandleFrame_IgnoresOtherUniverses(t *testing.T) {
	hub := baseHub()
	hub.ArtNetUniverse = 3
	r := New(hub, nil, nil, nil)
	r.mappings = []channelmap.Mapping{{ChannelID: 0, DMXStart: 1, Mode: channelmap.Mode8Bit}}

	r.HandleFrame(artnet.Frame{Universe: 1, Data: []byte{1, 2, 3}})

	assert.Equal(t, uint64(0), r.CountersSnapshot().Dropped)
	assert.Equal(t, uint64(0), r.CountersSnapshot().Sent)
}

func TestHandleFrame_CountsDroppedWithoutController(t *testing.T) {
	hub := baseHub()
	hub.ArtNetUniverse = 0
	r := New(hub, nil, nil, nil)
	r.mappings = []channelmap.Mapping{{ChannelID: 0, DMXStart: 1, Mode: channelmap.Mode8Bit}}

	r.HandleFrame(artnet.Frame{Universe: 0, Data: []byte{1, 2, 3}})

	assert.Equal(t, uint64(1), r.CountersSnapshot().Dropped)
}

func TestSendSolidColor_CountsDroppedWithoutController(t *testing.T) {
	hub := baseHub()
	r := New(hub, nil, nil, nil)
	r.mappings = []channelmap.Mapping{{ChannelID: 0, DMXStart: 1, Mode: channelmap.Mode8Bit}}

	err := r.SendSolidColor([3]uint16{1, 2, 3})
	require.Error(t, err)
	assert.Equal(t, uint64(1), r.CountersSnapshot().Dropped)
}

func TestShutdown_IsIdempotentAndSafeWithoutController(t *testing.T) {
	hub := baseHub()
	bridge := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r := New(hub, bridge, nil, nil)

	r.Shutdown(context.Background())
	r.Shutdown(context.Background()) // must not panic or double-call stop.
}

func TestHandleFrame_RecordsFrameMatchedOnTracker(t *testing.T) {
	hub := baseHub()
	hub.ArtNetUniverse = 0
	tracker := status.New("")
	tracker.RegisterHub(hub.ID)
	r := New(hub, nil, nil, tracker)
	r.mappings = []channelmap.Mapping{{ChannelID: 0, DMXStart: 1, Mode: channelmap.Mode8Bit}}

	r.HandleFrame(artnet.Frame{Universe: 0, Data: []byte{1, 2, 3}})

	snap := tracker.Snapshot()
	assert.Equal(t, uint64(1), snap.Hubs[hub.ID].FramesMatched)
}

func TestSendSolidColor_RecordsDropOnTrackerWhenNotOpen(t *testing.T) {
	hub := baseHub()
	bridge := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	tracker := status.New("")
	tracker.RegisterHub(hub.ID)
	r := New(hub, bridge, nil, tracker)
	r.mappings = []channelmap.Mapping{{ChannelID: 0, DMXStart: 1, Mode: channelmap.Mode8Bit}}
	r.controller = stream.New(stream.Config{Host: "127.0.0.1", PSKSecretHex: "aabbcc", ConfigID: testConfigID})

	err := r.SendSolidColor([3]uint16{7, 8, 9})
	require.NoError(t, err)

	snap := tracker.Snapshot()
	// The controller is never connected, so the send is not-open; a dropped
	// result records no lights, only the drop.
	assert.Equal(t, uint64(1), snap.Hubs[hub.ID].PacketsDropped)
}

func TestHandleEvent_OpenMarksDTLSConnected(t *testing.T) {
	hub := baseHub()
	tracker := status.New("")
	tracker.RegisterHub(hub.ID)
	r := New(hub, nil, nil, tracker)

	terminal := r.handleEvent(stream.Event{State: stream.Open})
	assert.False(t, terminal)
	assert.True(t, tracker.Snapshot().Hubs[hub.ID].DTLSConnected)
}

func TestHandleEvent_ClosedWithoutErrorDoesNotReleaseSession(t *testing.T) {
	var stopped bool
	bridge := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			stopped = true
		}
		w.WriteHeader(http.StatusOK)
	})
	hub := baseHub()
	tracker := status.New("")
	tracker.RegisterHub(hub.ID)
	r := New(hub, bridge, nil, tracker)

	terminal := r.handleEvent(stream.Event{State: stream.Closed})
	assert.True(t, terminal)
	assert.False(t, tracker.Snapshot().Hubs[hub.ID].DTLSConnected)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, stopped, "a clean close must not trigger a release")
}

func TestHandleEvent_TransportLossReleasesRemoteSession(t *testing.T) {
	stopped := make(chan struct{}, 1)
	bridge := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			select {
			case stopped <- struct{}{}:
			default:
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	hub := baseHub()
	tracker := status.New("")
	tracker.RegisterHub(hub.ID)
	r := New(hub, bridge, nil, tracker)

	terminal := r.handleEvent(stream.Event{State: stream.Closed, Kind: stream.ErrTransportLoss, Err: assertErr("transport lost")})
	assert.True(t, terminal)

	snap := tracker.Snapshot()
	assert.False(t, snap.Hubs[hub.ID].DTLSConnected)
	assert.Equal(t, "transport lost", snap.Hubs[hub.ID].LastError)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("expected a mid-operation transport loss to release the remote entertainment configuration")
	}
}
