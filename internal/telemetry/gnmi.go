// Package telemetry exposes sensor readings and alerts as a gNMI target so
// streaming telemetry collectors can subscribe to them.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sort"
	"time"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/envmon/envmon/internal/bus"
	"github.com/envmon/envmon/internal/types"
	"github.com/envmon/envmon/internal/version"
)

const gnmiVersion = "0.10.0"

// Source provides the snapshot and live events the target serves
type Source interface {
	Snapshot() bus.Snapshot
	Subscribe(ctx context.Context) (bus.Snapshot, *bus.Subscription, error)
}

// Server is a read-only gNMI target backed by the event bus
type Server struct {
	gnmi.UnimplementedGNMIServer

	source Source
	logger zerolog.Logger
	now    func() time.Time
	grpc   *grpc.Server
}

// NewServer creates a gNMI target over source
func NewServer(source Source, logger zerolog.Logger) *Server {
	s := &Server{
		source: source,
		logger: logger.With().Str("component", "gnmi").Logger(),
		now:    time.Now,
		grpc:   grpc.NewServer(),
	}
	gnmi.RegisterGNMIServer(s.grpc, s)
	return s
}

// Serve accepts connections on lis until ctx is cancelled
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.grpc.GracefulStop()
	}()

	s.logger.Info().Str("address", lis.Addr().String()).Msg("gNMI target listening")
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// ListenAndServe listens on address and serves until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Capabilities reports the encodings the target speaks
func (s *Server) Capabilities(ctx context.Context, _ *gnmi.CapabilityRequest) (*gnmi.CapabilityResponse, error) {
	return &gnmi.CapabilityResponse{
		SupportedModels: []*gnmi.ModelData{{
			Name:         "envmon-sensors",
			Organization: "envmon",
			Version:      version.Version,
		}},
		SupportedEncodings: []gnmi.Encoding{gnmi.Encoding_JSON},
		GNMIVersion:        gnmiVersion,
	}, nil
}

// Get returns the current state for the requested paths
func (s *Server) Get(ctx context.Context, req *gnmi.GetRequest) (*gnmi.GetResponse, error) {
	snap := s.source.Snapshot()

	var paths [][]*gnmi.PathElem
	for _, p := range req.GetPath() {
		paths = append(paths, join(req.GetPrefix(), p))
	}

	resp := &gnmi.GetResponse{}
	for _, n := range s.snapshotNotifications(snap) {
		if n = filter(n, paths); n != nil {
			resp.Notification = append(resp.Notification, n)
		}
	}
	return resp, nil
}

// Subscribe serves ONCE and STREAM subscriptions. The current state is sent
// first, followed by a sync response and, for STREAM, every later change.
func (s *Server) Subscribe(stream gnmi.GNMI_SubscribeServer) error {
	req, err := stream.Recv()
	if err != nil {
		return err
	}
	list := req.GetSubscribe()
	if list == nil {
		return status.Error(codes.InvalidArgument, "first request must be a subscription list")
	}
	if list.Mode == gnmi.SubscriptionList_POLL {
		return status.Error(codes.Unimplemented, "POLL mode is not supported")
	}

	var paths [][]*gnmi.PathElem
	for _, sub := range list.Subscription {
		paths = append(paths, join(list.Prefix, sub.Path))
	}

	ctx := stream.Context()
	snap, sub, err := s.source.Subscribe(ctx)
	if err != nil {
		return status.Errorf(codes.Unavailable, "subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	log := s.logger.With().Str("mode", list.Mode.String()).Int("paths", len(paths)).Logger()
	log.Info().Msg("gNMI subscriber connected")
	defer log.Info().Msg("gNMI subscriber disconnected")

	if !list.UpdatesOnly {
		for _, n := range s.snapshotNotifications(snap) {
			if err := s.send(stream, filter(n, paths)); err != nil {
				return err
			}
		}
	}
	if err := stream.Send(&gnmi.SubscribeResponse{
		Response: &gnmi.SubscribeResponse_SyncResponse{SyncResponse: true},
	}); err != nil {
		return err
	}
	if list.Mode == gnmi.SubscriptionList_ONCE {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				if errors.Is(sub.Err(), bus.ErrOverflow) {
					return status.Error(codes.ResourceExhausted, "subscriber fell behind")
				}
				return nil
			}
			if err := s.send(stream, filter(s.eventNotification(ev), paths)); err != nil {
				return err
			}
		}
	}
}

func (s *Server) send(stream gnmi.GNMI_SubscribeServer, n *gnmi.Notification) error {
	if n == nil {
		return nil
	}
	if s.logger.Debug().Enabled() {
		for _, u := range n.Update {
			s.logger.Debug().
				Str("path", PathString(n.Prefix)+PathString(u.Path)).
				Str("value", valueString(u.Val)).
				Msg("gNMI update sent")
		}
	}
	return stream.Send(&gnmi.SubscribeResponse{
		Response: &gnmi.SubscribeResponse_Update{Update: n},
	})
}

func (s *Server) snapshotNotifications(snap bus.Snapshot) []*gnmi.Notification {
	out := make([]*gnmi.Notification, 0, len(snap.Readings)+len(snap.ActiveAlerts))
	for _, r := range snap.Readings {
		out = append(out, readingNotification(r))
	}
	for _, a := range snap.ActiveAlerts {
		if n := alertNotification(a, s.now()); n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (s *Server) eventNotification(ev bus.Event) *gnmi.Notification {
	switch {
	case ev.Reading != nil:
		return readingNotification(*ev.Reading)
	case ev.Alert != nil:
		return alertNotification(*ev.Alert, s.now())
	}
	return nil
}

func sensorPrefix(sensorID string) *gnmi.Path {
	return &gnmi.Path{Elem: []*gnmi.PathElem{
		{Name: "sensors"},
		{Name: "sensor", Key: map[string]string{"id": sensorID}},
		{Name: "state"},
	}}
}

func leaf(name string) *gnmi.Path {
	return &gnmi.Path{Elem: []*gnmi.PathElem{{Name: name}}}
}

// readingNotification renders a reading under /sensors/sensor[id=X]/state
func readingNotification(r types.Reading) *gnmi.Notification {
	names := make([]string, 0, len(r.Parameters))
	for name := range r.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	updates := make([]*gnmi.Update, 0, len(names)+2)
	for _, name := range names {
		updates = append(updates, &gnmi.Update{
			Path: leaf(name),
			Val:  &gnmi.TypedValue{Value: &gnmi.TypedValue_DoubleVal{DoubleVal: r.Parameters[name]}},
		})
	}
	updates = append(updates,
		&gnmi.Update{
			Path: leaf("severity"),
			Val:  &gnmi.TypedValue{Value: &gnmi.TypedValue_StringVal{StringVal: string(r.Severity)}},
		},
		&gnmi.Update{
			Path: leaf("category"),
			Val:  &gnmi.TypedValue{Value: &gnmi.TypedValue_StringVal{StringVal: string(r.Category)}},
		},
	)

	return &gnmi.Notification{
		Timestamp: r.Timestamp.UnixNano(),
		Prefix:    sensorPrefix(r.SensorID),
		Update:    updates,
	}
}

// alertNotification renders an alert at /alerts/alert[id=Y]. Resolved
// alerts are deleted from the tree.
func alertNotification(a types.Alert, now time.Time) *gnmi.Notification {
	path := &gnmi.Path{Elem: []*gnmi.PathElem{
		{Name: "alerts"},
		{Name: "alert", Key: map[string]string{"id": a.ID}},
	}}
	n := &gnmi.Notification{Timestamp: now.UnixNano()}
	if a.Resolved {
		n.Delete = []*gnmi.Path{path}
		return n
	}

	data, err := json.Marshal(a)
	if err != nil {
		return nil
	}
	n.Update = []*gnmi.Update{{
		Path: path,
		Val:  &gnmi.TypedValue{Value: &gnmi.TypedValue_JsonVal{JsonVal: data}},
	}}
	return n
}

// filter keeps the updates and deletes selected by paths. An empty path
// list selects everything. It returns nil when nothing is left.
func filter(n *gnmi.Notification, paths [][]*gnmi.PathElem) *gnmi.Notification {
	if n == nil || len(paths) == 0 {
		return n
	}
	selected := func(p *gnmi.Path) bool {
		full := join(n.Prefix, p)
		for _, sub := range paths {
			if matches(sub, full) {
				return true
			}
		}
		return false
	}

	out := &gnmi.Notification{Timestamp: n.Timestamp, Prefix: n.Prefix}
	for _, u := range n.Update {
		if selected(u.Path) {
			out.Update = append(out.Update, u)
		}
	}
	for _, d := range n.Delete {
		if selected(d) {
			out.Delete = append(out.Delete, d)
		}
	}
	if len(out.Update) == 0 && len(out.Delete) == 0 {
		return nil
	}
	return out
}
