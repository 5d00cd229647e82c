package eventfeed

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
	"github.com/specialistvlad/buildgridgo/internal/event"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// Wire event names.
const (
	EventVcsCommit     = "vcs_commit"
	EventScheduleTick  = "schedule_tick"
	EventAgentState    = "agent_state"
	EventBuildFinished = "build_finished"
)

const defaultConnectTimeout = 15 * time.Second

// Submitter accepts decoded events. *engine.Engine satisfies it.
type Submitter interface {
	Submit(event.Event) error
}

// Options configures the socket.io connection.
type Options struct {
	URL                string
	Namespace          string
	InsecureSkipVerify bool
	// ConnectTimeout defaults to 15s.
	ConnectTimeout time.Duration
}

// Feed is a connected socket.io client feeding the engine.
type Feed struct {
	sink   Submitter
	logger *slog.Logger
	io     *socket.Socket
}

// Connect dials the bus and blocks until the connection is established,
// ctx is done, or the connect timeout passes.
func Connect(ctx context.Context, opts Options, sink Submitter) (*Feed, error) {
	ctx, logger := ctxlog.With(ctx, "component", "eventfeed", "url", opts.URL)
	logger.Info("Connecting to event bus...")

	parsedURL, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("event bus URL %q must be absolute", opts.URL)
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	sockOpts := socket.DefaultOptions()
	sockOpts.SetPath(parsedURL.Path)
	if opts.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		sockOpts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	sockOpts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, sockOpts)
	io := manager.Socket(opts.Namespace, sockOpts)

	f := &Feed{sink: sink, logger: logger, io: io}
	for _, name := range []string{EventVcsCommit, EventScheduleTick, EventAgentState} {
		io.On(types.EventName(name), func(args ...any) {
			if err := f.dispatch(ctx, name, args...); err != nil {
				logger.Error("Dropped event from bus.", "event", name, "error", err)
			}
		})
	}

	connected := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Connected to event bus.", "sid", io.Id())
		connected <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := errors.New("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			} else {
				err = fmt.Errorf("%v", errs[0])
			}
		}
		connected <- err
	})
	io.Connect()

	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return f, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(timeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", timeout)
	}
}

// Publish emits a BuildFinished event on the bus. Events are dropped
// while the socket is disconnected.
func (f *Feed) Publish(ctx context.Context, ev event.BuildFinished) {
	logger := ctxlog.FromContext(ctx)
	if !f.io.Connected() {
		logger.Warn("Event bus is disconnected, dropping build_finished.", "run_id", ev.RunID)
		return
	}
	payload, err := toPayload(ev)
	if err != nil {
		logger.Error("Failed to encode build_finished.", "run_id", ev.RunID, "error", err)
		return
	}
	f.io.Emit(EventBuildFinished, payload)
}

// Close disconnects from the bus.
func (f *Feed) Close() error {
	f.logger.Info("Disconnecting from event bus.", "sid", f.io.Id())
	f.io.Disconnect()
	return nil
}

func (f *Feed) dispatch(ctx context.Context, name string, args ...any) error {
	return dispatch(ctx, f.sink, name, args...)
}

func dispatch(ctx context.Context, sink Submitter, name string, args ...any) error {
	if len(args) == 0 {
		return errors.New("event has no payload")
	}
	ev, err := Decode(name, args[0])
	if err != nil {
		return err
	}
	if err := sink.Submit(ev); err != nil {
		return fmt.Errorf("failed to submit %s: %w", name, err)
	}
	ctxlog.FromContext(ctx).Debug("Event submitted.", "event", name, "delivery_id", ev.DeliveryID())
	return nil
}

// Decode turns a socket.io payload into an event. The payload may be the
// decoded JSON object or its raw text.
func Decode(name string, payload any) (event.Event, error) {
	raw, err := rawJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s payload: %w", name, err)
	}

	switch name {
	case EventVcsCommit:
		var ev event.VcsCommit
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		if ev.Branch == "" {
			return nil, fmt.Errorf("%s: branch is required", name)
		}
		event.Ensure(&ev.Meta)
		return ev, nil
	case EventScheduleTick:
		var ev event.ScheduleTick
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		if ev.Time.IsZero() {
			return nil, fmt.Errorf("%s: time is required", name)
		}
		event.Ensure(&ev.Meta)
		return ev, nil
	case EventAgentState:
		var ev event.AgentStateChanged
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		if ev.AgentID == "" {
			return nil, fmt.Errorf("%s: agent_id is required", name)
		}
		event.Ensure(&ev.Meta)
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event %q", name)
	}
}

func rawJSON(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, errors.New("payload is null")
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func toPayload(ev event.BuildFinished) (map[string]any, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
