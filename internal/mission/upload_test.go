package mission

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// fakeLink scripts the vehicle side of the handshake: onSend inspects each
// outbound message and queues the replies the vehicle would give.
type fakeLink struct {
	mu      sync.Mutex
	sent    []message.Message
	replies chan message.Message
	onSend  func(msg message.Message)
}

func newFakeLink() *fakeLink {
	return &fakeLink{replies: make(chan message.Message, 16)}
}

func (f *fakeLink) Send(msg message.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()

	if f.onSend != nil {
		f.onSend(msg)
	}
	return nil
}

func (f *fakeLink) Await(ctx context.Context, timeout time.Duration) (message.Message, error) {
	select {
	case msg := <-f.replies:
		return msg, nil
	case <-time.After(timeout):
		return nil, errors.New("timed out waiting for reply")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeLink) sentItems() []*common.MessageMissionItem {
	f.mu.Lock()
	defer f.mu.Unlock()

	var items []*common.MessageMissionItem
	for _, msg := range f.sent {
		if item, ok := msg.(*common.MessageMissionItem); ok {
			items = append(items, item)
		}
	}
	return items
}

// simVehicle answers the full protocol for a mission of the given size.
func simVehicle(f *fakeLink, total int) {
	f.onSend = func(msg message.Message) {
		switch m := msg.(type) {
		case *common.MessageMissionClearAll:
			f.replies <- &common.MessageMissionAck{Type: common.MAV_MISSION_ACCEPTED}
		case *common.MessageMissionCount:
			f.replies <- &common.MessageMissionRequest{Seq: 0}
		case *common.MessageMissionItem:
			if int(m.Seq) < total-1 {
				f.replies <- &common.MessageMissionRequest{Seq: m.Seq + 1}
			} else {
				f.replies <- &common.MessageMissionAck{Type: common.MAV_MISSION_ACCEPTED}
			}
		case *common.MessageMissionRequestList:
			f.replies <- &common.MessageMissionCount{Count: uint16(total)}
		}
	}
}

func buildTestItems(t *testing.T, waypoints int) []*common.MessageMissionItem {
	t.Helper()

	wps := make([]Waypoint, waypoints)
	for i := range wps {
		wps[i] = Waypoint{Lat: 37.0 + float64(i)*0.001, Lon: -122.0, Alt: 10}
	}
	return Build(wps, BuildOptions{AddTakeoff: true, AddReturnToLaunch: true})
}

func TestUpload_RoundTrip(t *testing.T) {
	items := buildTestItems(t, 2) // takeoff + 2 waypoints + RTL
	f := newFakeLink()
	simVehicle(f, len(items))

	var progress []string
	uploader := NewUploader(f, 1, 1,
		WithStepTimeout(time.Second),
		WithProgress(func(msg string) { progress = append(progress, msg) }))

	result := uploader.Upload(context.Background(), items)
	if !result.Success {
		t.Fatalf("upload failed: %s", result.Message)
	}
	if result.Count != 4 {
		t.Errorf("expected count 4, got %d", result.Count)
	}

	sent := f.sentItems()
	if len(sent) != 4 {
		t.Fatalf("expected 4 items sent, got %d", len(sent))
	}
	for i, item := range sent {
		if int(item.Seq) != i {
			t.Errorf("item %d sent with sequence %d", i, item.Seq)
		}
		if item.TargetSystem != 1 || item.TargetComponent != 1 {
			t.Errorf("item %d sent to %d/%d, expected 1/1", i, item.TargetSystem, item.TargetComponent)
		}
	}

	if len(progress) == 0 || progress[len(progress)-1] != "Mission uploaded successfully!" {
		t.Errorf("unexpected progress trail: %v", progress)
	}
}

func TestUpload_ResendsReRequestedItem(t *testing.T) {
	items := buildTestItems(t, 1) // 3 items total
	f := newFakeLink()

	requested := 0
	f.onSend = func(msg message.Message) {
		switch m := msg.(type) {
		case *common.MessageMissionClearAll:
			f.replies <- &common.MessageMissionAck{Type: common.MAV_MISSION_ACCEPTED}
		case *common.MessageMissionCount:
			f.replies <- &common.MessageMissionRequest{Seq: 0}
		case *common.MessageMissionItem:
			// ask for item 1 twice before moving on
			if m.Seq == 1 && requested == 0 {
				requested++
				f.replies <- &common.MessageMissionRequest{Seq: 1}
				return
			}
			if int(m.Seq) < len(items)-1 {
				f.replies <- &common.MessageMissionRequest{Seq: m.Seq + 1}
			} else {
				f.replies <- &common.MessageMissionAck{Type: common.MAV_MISSION_ACCEPTED}
			}
		case *common.MessageMissionRequestList:
			f.replies <- &common.MessageMissionCount{Count: uint16(len(items))}
		}
	}

	uploader := NewUploader(f, 1, 1, WithStepTimeout(time.Second))
	result := uploader.Upload(context.Background(), items)
	if !result.Success {
		t.Fatalf("upload failed: %s", result.Message)
	}

	var seqs []int
	for _, item := range f.sentItems() {
		seqs = append(seqs, int(item.Seq))
	}
	want := []int{0, 1, 1, 2}
	if len(seqs) != len(want) {
		t.Fatalf("expected item sequence %v, got %v", want, seqs)
	}
	for i := range want {
		if seqs[i] != want[i] {
			t.Fatalf("expected item sequence %v, got %v", want, seqs)
		}
	}
}

func TestUpload_ClearTimeout(t *testing.T) {
	items := buildTestItems(t, 1)
	f := newFakeLink() // no replies at all

	uploader := NewUploader(f, 1, 1, WithStepTimeout(20*time.Millisecond))
	result := uploader.Upload(context.Background(), items)
	if result.Success {
		t.Fatal("upload should have failed")
	}
	if !strings.Contains(result.Message, "failed to clear existing mission") {
		t.Errorf("failure should name the clear step, got %q", result.Message)
	}
}

func TestUpload_RejectedItem(t *testing.T) {
	items := buildTestItems(t, 1)
	f := newFakeLink()
	f.onSend = func(msg message.Message) {
		switch msg.(type) {
		case *common.MessageMissionClearAll:
			f.replies <- &common.MessageMissionAck{Type: common.MAV_MISSION_ACCEPTED}
		case *common.MessageMissionCount:
			f.replies <- &common.MessageMissionRequest{Seq: 0}
		case *common.MessageMissionItem:
			f.replies <- &common.MessageMissionAck{Type: common.MAV_MISSION_ERROR}
		}
	}

	uploader := NewUploader(f, 1, 1, WithStepTimeout(time.Second))
	result := uploader.Upload(context.Background(), items)
	if result.Success {
		t.Fatal("upload should have failed")
	}
	if !strings.Contains(result.Message, "failed to upload waypoint 0") {
		t.Errorf("failure should name the waypoint, got %q", result.Message)
	}
}

func TestUpload_VerifyMismatch(t *testing.T) {
	items := buildTestItems(t, 2)
	f := newFakeLink()
	f.onSend = func(msg message.Message) {
		switch m := msg.(type) {
		case *common.MessageMissionClearAll:
			f.replies <- &common.MessageMissionAck{Type: common.MAV_MISSION_ACCEPTED}
		case *common.MessageMissionCount:
			f.replies <- &common.MessageMissionRequest{Seq: 0}
		case *common.MessageMissionItem:
			if int(m.Seq) < len(items)-1 {
				f.replies <- &common.MessageMissionRequest{Seq: m.Seq + 1}
			} else {
				f.replies <- &common.MessageMissionAck{Type: common.MAV_MISSION_ACCEPTED}
			}
		case *common.MessageMissionRequestList:
			f.replies <- &common.MessageMissionCount{Count: uint16(len(items) - 1)}
		}
	}

	uploader := NewUploader(f, 1, 1, WithStepTimeout(time.Second))
	result := uploader.Upload(context.Background(), items)
	if result.Success {
		t.Fatal("upload should have failed")
	}
	if !strings.Contains(result.Message, "mission verification failed") {
		t.Errorf("failure should name verification, got %q", result.Message)
	}
}

func TestUpload_NoItems(t *testing.T) {
	f := newFakeLink()
	uploader := NewUploader(f, 1, 1)

	result := uploader.Upload(context.Background(), nil)
	if result.Success {
		t.Fatal("upload of an empty mission should fail")
	}
	if len(f.sent) != 0 {
		t.Errorf("nothing should have been sent, got %d messages", len(f.sent))
	}
}
