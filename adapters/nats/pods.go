package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/shardis-go/core/sharding"
)

const defaultSubjectPrefix = "shardis"

// responseFrame is the minimal response encoding for request/reply.
type responseFrame struct {
	Data []byte `json:"data,omitempty"`
	Err  string `json:"err,omitempty"`
}

var subjectToken = strings.NewReplacer(".", "-", ":", "_")

func podSubject(prefix string, pod sharding.PodAddress, op string) string {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return prefix + ".pod." + subjectToken.Replace(pod.String()) + "." + op
}

type PodsConfig struct {
	Connect       Connector    // nil: ConnectDefault()
	Log           *slog.Logger // optional
	SubjectPrefix string       // e.g. "shardis" -> shardis.pod.<addr>.send
}

// Pods is the pod-to-pod RPC client over core NATS request/reply. A
// request to a pod nobody serves fails with PodUnavailableError.
type Pods struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	prefix  string
	closed  atomic.Bool
}

func NewPods(cfg PodsConfig) (*Pods, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, err
	}

	return &Pods{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("pods", "nats")),
		prefix:  cfg.SubjectPrefix,
	}, nil
}

func (p *Pods) request(ctx context.Context, pod sharding.PodAddress, op string, payload []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, &sharding.PodUnavailableError{Pod: pod}
	}

	msg, err := p.nc.RequestWithContext(ctx, podSubject(p.prefix, pod, op), payload)
	if err != nil {
		if errors.Is(err, natsgo.ErrNoResponders) || errors.Is(err, natsgo.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &sharding.PodUnavailableError{Pod: pod}
		}
		return nil, fmt.Errorf("nats: request %s: %w", op, err)
	}

	var rf responseFrame
	if err := json.Unmarshal(msg.Data, &rf); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rf.Err != "" {
		return nil, errors.New(rf.Err)
	}
	return rf.Data, nil
}

func (p *Pods) Send(ctx context.Context, pod sharding.PodAddress, envelope []byte) error {
	_, err := p.request(ctx, pod, "send", envelope)
	return err
}

func (p *Pods) Ping(ctx context.Context, pod sharding.PodAddress) error {
	_, err := p.request(ctx, pod, "ping", nil)
	return err
}

func (p *Pods) Notify(ctx context.Context, pod sharding.PodAddress, event sharding.ShardingEvent) error {
	data, err := sharding.EncodeShardingEvent(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = p.request(ctx, pod, "notify", data)
	return err
}

func (p *Pods) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.closeNc()
	return nil
}

var _ sharding.Pods = (*Pods)(nil)

// === pod-side server ===

type PodServerConfig struct {
	Connect       Connector
	Log           *slog.Logger
	SubjectPrefix string
}

// PodServer exposes a local Sharding runtime on the pod subjects so peers
// can reach it through [Pods].
type PodServer struct {
	nc       *natsgo.Conn
	closeNc  closeFunc
	log      *slog.Logger
	prefix   string
	sharding *sharding.Sharding
	subs     []*natsgo.Subscription
}

func NewPodServer(cfg PodServerConfig, s *sharding.Sharding) (*PodServer, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, err
	}

	return &PodServer{
		nc:       nc,
		closeNc:  closeNc,
		log:      log.With(slog.String("pod_server", s.LocalPod().String())),
		prefix:   cfg.SubjectPrefix,
		sharding: s,
	}, nil
}

// Run subscribes the pod's send/ping/notify subjects. Subscriptions are
// dropped when ctx ends.
func (s *PodServer) Run(ctx context.Context) error {
	pod := s.sharding.LocalPod()

	handlers := map[string]func(context.Context, []byte) error{
		"send": s.sharding.ReceiveEnvelope,
		"ping": func(context.Context, []byte) error { return nil },
		"notify": func(ctx context.Context, data []byte) error {
			ev, err := sharding.DecodeShardingEvent(data)
			if err != nil {
				return err
			}
			return s.sharding.HandleEvent(ctx, ev)
		},
	}

	for op, h := range handlers {
		h := h
		sub, err := s.nc.Subscribe(podSubject(s.prefix, pod, op), func(msg *natsgo.Msg) {
			var rf responseFrame
			if err := h(ctx, msg.Data); err != nil {
				rf.Err = err.Error()
			}
			b, _ := json.Marshal(rf)
			if err := msg.Respond(b); err != nil {
				s.log.Error("failed to respond", slog.Any("error", err))
			}
		})
		if err != nil {
			return fmt.Errorf("nats: subscribe pod subject %s: %w", op, err)
		}
		s.subs = append(s.subs, sub)
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.log.Debug("pod server listening")
	return nil
}

func (s *PodServer) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	s.closeNc()
}
