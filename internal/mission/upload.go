package mission

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// DefaultStepTimeout bounds each wait for a handshake reply.
const DefaultStepTimeout = 5 * time.Second

// Link is the slice of the vehicle connection an upload needs: direct sends
// to the transport, and the mission-protocol replies the router delivers.
// *vehicle.MissionChannel satisfies it.
type Link interface {
	Send(msg message.Message) error
	Await(ctx context.Context, timeout time.Duration) (message.Message, error)
}

// Result is the terminal outcome of one upload attempt. It is created once
// per attempt and never mutated after return.
type Result struct {
	Success bool
	Message string
	Count   int
}

// WithStepTimeout sets the per-step reply deadline.
func WithStepTimeout(d time.Duration) func(*Uploader) {
	return func(u *Uploader) {
		u.timeout = d
	}
}

// WithProgress sets a callback receiving a human-readable line as each
// handshake step starts. The callback runs on the uploading goroutine and
// should return quickly.
func WithProgress(fn func(string)) func(*Uploader) {
	return func(u *Uploader) {
		u.progress = fn
	}
}

// WithLogger sets the logger for the uploader.
func WithLogger(logger *slog.Logger) func(*Uploader) {
	return func(u *Uploader) {
		u.logger = logger.With(slog.String("component", "mission"))
	}
}

// Uploader drives the mission upload handshake: clear the stored mission,
// announce the item count, answer each item request, then read the count
// back to verify. The first failing step aborts the attempt; there is no
// per-step retry, a new attempt restarts from the clear step.
type Uploader struct {
	link      Link
	system    byte
	component byte

	timeout  time.Duration
	progress func(string)
	logger   *slog.Logger
}

// NewUploader creates an Uploader addressing the given target system and
// component, normally the ids captured from the first heartbeat.
func NewUploader(l Link, targetSystem, targetComponent byte, options ...func(*Uploader)) *Uploader {
	u := Uploader{
		link:      l,
		system:    targetSystem,
		component: targetComponent,
		timeout:   DefaultStepTimeout,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
	}

	for _, option := range options {
		option(&u)
	}

	return &u
}

// Upload pushes the item list to the vehicle and reports the terminal
// result. Failures name the step (and waypoint index) that failed.
func (u *Uploader) Upload(ctx context.Context, items []*common.MessageMissionItem) Result {
	if len(items) == 0 {
		return Result{Message: "no mission items to upload"}
	}

	u.emit("Clearing existing mission...")
	if err := u.clear(ctx); err != nil {
		return u.fail("failed to clear existing mission", err)
	}

	u.emit(fmt.Sprintf("Sending mission count: %d items", len(items)))
	seq, err := u.sendCount(ctx, len(items))
	if err != nil {
		return u.fail("failed to send mission count", err)
	}

	for {
		if seq < 0 || seq >= len(items) {
			return u.fail(fmt.Sprintf("failed to upload waypoint %d", seq),
				fmt.Errorf("vehicle requested item %d of %d", seq, len(items)))
		}

		u.emit(fmt.Sprintf("Uploading waypoint %d/%d", seq+1, len(items)))

		next, done, err := u.sendItem(ctx, items[seq], len(items))
		if err != nil {
			return u.fail(fmt.Sprintf("failed to upload waypoint %d", seq), err)
		}
		if done {
			break
		}
		seq = next
	}

	u.emit("Verifying mission...")
	if err := u.verify(ctx, len(items)); err != nil {
		return u.fail("mission verification failed", err)
	}

	u.emit("Mission uploaded successfully!")
	return Result{
		Success: true,
		Message: fmt.Sprintf("successfully uploaded %d mission items", len(items)),
		Count:   len(items),
	}
}

// clear asks the vehicle to drop its stored mission and waits for the
// accepted ack.
func (u *Uploader) clear(ctx context.Context) error {
	err := u.link.Send(&common.MessageMissionClearAll{
		TargetSystem:    u.system,
		TargetComponent: u.component,
	})
	if err != nil {
		return fmt.Errorf("sending clear: %w", err)
	}

	reply, err := u.link.Await(ctx, u.timeout)
	if err != nil {
		return err
	}

	ack, ok := reply.(*common.MessageMissionAck)
	if !ok {
		return fmt.Errorf("unexpected reply %T", reply)
	}
	if ack.Type != common.MAV_MISSION_ACCEPTED {
		return fmt.Errorf("vehicle answered %v", ack.Type)
	}
	return nil
}

// sendCount announces the item count and waits for the vehicle to request
// the first item, returning the requested sequence (normally 0).
func (u *Uploader) sendCount(ctx context.Context, count int) (int, error) {
	err := u.link.Send(&common.MessageMissionCount{
		TargetSystem:    u.system,
		TargetComponent: u.component,
		Count:           uint16(count),
	})
	if err != nil {
		return 0, fmt.Errorf("sending count: %w", err)
	}

	reply, err := u.link.Await(ctx, u.timeout)
	if err != nil {
		return 0, err
	}

	switch r := reply.(type) {
	case *common.MessageMissionRequest:
		return int(r.Seq), nil
	case *common.MessageMissionRequestInt:
		return int(r.Seq), nil
	default:
		return 0, fmt.Errorf("unexpected reply %T", reply)
	}
}

// sendItem transmits one item and waits for the vehicle's next move: a
// request for another sequence (possibly one it already has, which the
// caller must resend rather than skip), or the terminal ack after the last
// item.
func (u *Uploader) sendItem(ctx context.Context, item *common.MessageMissionItem, total int) (next int, done bool, err error) {
	m := *item
	m.TargetSystem = u.system
	m.TargetComponent = u.component
	if err := u.link.Send(&m); err != nil {
		return 0, false, fmt.Errorf("sending item %d: %w", item.Seq, err)
	}

	reply, err := u.link.Await(ctx, u.timeout)
	if err != nil {
		return 0, false, err
	}

	switch r := reply.(type) {
	case *common.MessageMissionRequest:
		return int(r.Seq), false, nil
	case *common.MessageMissionRequestInt:
		return int(r.Seq), false, nil
	case *common.MessageMissionAck:
		if int(item.Seq) != total-1 {
			return 0, false, fmt.Errorf("ack %v before item %d of %d was sent", r.Type, total-1, total)
		}
		if r.Type != common.MAV_MISSION_ACCEPTED {
			return 0, false, fmt.Errorf("vehicle rejected mission: %v", r.Type)
		}
		return 0, true, nil
	default:
		return 0, false, fmt.Errorf("unexpected reply %T", reply)
	}
}

// verify reads the stored item count back and checks it matches what was
// sent.
func (u *Uploader) verify(ctx context.Context, want int) error {
	err := u.link.Send(&common.MessageMissionRequestList{
		TargetSystem:    u.system,
		TargetComponent: u.component,
	})
	if err != nil {
		return fmt.Errorf("requesting mission list: %w", err)
	}

	reply, err := u.link.Await(ctx, u.timeout)
	if err != nil {
		return err
	}

	count, ok := reply.(*common.MessageMissionCount)
	if !ok {
		return fmt.Errorf("unexpected reply %T", reply)
	}
	if int(count.Count) != want {
		return fmt.Errorf("vehicle reports %d items, sent %d", count.Count, want)
	}
	return nil
}

func (u *Uploader) emit(msg string) {
	if u.progress != nil {
		u.progress(msg)
	}
}

func (u *Uploader) fail(step string, cause error) Result {
	u.logger.Error(fmt.Sprintf("%s: %s", step, cause))
	return Result{Message: fmt.Sprintf("%s: %s", step, cause)}
}
