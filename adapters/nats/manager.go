package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/shardis-go/core/sharding"
	"github.com/codewandler/shardis-go/core/shardmanager"
)

func managerSubject(prefix, op string) string {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return prefix + ".manager." + op
}

// wireAssignments carries the shard map over the wire; JSON object keys
// must be strings.
type wireAssignments struct {
	Assignments map[string]*sharding.PodAddress `json:"assignments"`
}

func encodeAssignments(m map[sharding.ShardId]*sharding.PodAddress) ([]byte, error) {
	out := make(map[string]*sharding.PodAddress, len(m))
	for shard, pod := range m {
		out[strconv.Itoa(int(shard))] = pod
	}
	return json.Marshal(wireAssignments{Assignments: out})
}

func decodeAssignments(data []byte) (map[sharding.ShardId]*sharding.PodAddress, error) {
	var w wireAssignments
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	out := make(map[sharding.ShardId]*sharding.PodAddress, len(w.Assignments))
	for key, pod := range w.Assignments {
		shard, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("invalid shard key %q: %w", key, err)
		}
		out[sharding.ShardId(shard)] = pod
	}
	return out, nil
}

type ManagerClientConfig struct {
	Connect       Connector
	Log           *slog.Logger
	SubjectPrefix string
}

// ManagerClient implements sharding.ShardManagerClient over the manager
// RPC subjects.
type ManagerClient struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	prefix  string
	closed  atomic.Bool
}

func NewManagerClient(cfg ManagerClientConfig) (*ManagerClient, error) {
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

	return &ManagerClient{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("client", "shard-manager")),
		prefix:  cfg.SubjectPrefix,
	}, nil
}

func (c *ManagerClient) request(ctx context.Context, op string, payload []byte) ([]byte, error) {
	msg, err := c.nc.RequestWithContext(ctx, managerSubject(c.prefix, op), payload)
	if err != nil {
		return nil, fmt.Errorf("nats: manager %s: %w", op, err)
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

func (c *ManagerClient) podRequest(ctx context.Context, op string, pod sharding.PodAddress) error {
	payload, err := json.Marshal(pod)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, op, payload)
	return err
}

func (c *ManagerClient) Register(ctx context.Context, pod sharding.PodAddress) error {
	return c.podRequest(ctx, "register", pod)
}

func (c *ManagerClient) Unregister(ctx context.Context, pod sharding.PodAddress) error {
	return c.podRequest(ctx, "unregister", pod)
}

func (c *ManagerClient) NotifyUnhealthyPod(ctx context.Context, pod sharding.PodAddress) error {
	return c.podRequest(ctx, "unhealthy", pod)
}

func (c *ManagerClient) GetAssignments(ctx context.Context) (map[sharding.ShardId]*sharding.PodAddress, error) {
	data, err := c.request(ctx, "assignments", nil)
	if err != nil {
		return nil, err
	}
	return decodeAssignments(data)
}

func (c *ManagerClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.closeNc()
	return nil
}

var _ sharding.ShardManagerClient = (*ManagerClient)(nil)

// === manager-side server ===

type ManagerServerConfig struct {
	Connect       Connector
	Log           *slog.Logger
	SubjectPrefix string
}

// ManagerServer exposes a ShardManager on the manager RPC subjects.
type ManagerServer struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	prefix  string
	manager *shardmanager.ShardManager
	subs    []*natsgo.Subscription
}

func NewManagerServer(cfg ManagerServerConfig, manager *shardmanager.ShardManager) (*ManagerServer, error) {
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

	return &ManagerServer{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("server", "shard-manager")),
		prefix:  cfg.SubjectPrefix,
		manager: manager,
	}, nil
}

// Run subscribes the manager RPC subjects until ctx ends.
func (s *ManagerServer) Run(ctx context.Context) error {
	podOp := func(fn func(context.Context, sharding.PodAddress) error) func(context.Context, []byte) ([]byte, error) {
		return func(ctx context.Context, data []byte) ([]byte, error) {
			var pod sharding.PodAddress
			if err := json.Unmarshal(data, &pod); err != nil {
				return nil, fmt.Errorf("decode pod address: %w", err)
			}
			return nil, fn(ctx, pod)
		}
	}

	handlers := map[string]func(context.Context, []byte) ([]byte, error){
		"register":   podOp(s.manager.Register),
		"unregister": podOp(s.manager.Unregister),
		"unhealthy":  podOp(s.manager.NotifyUnhealthyPod),
		"assignments": func(context.Context, []byte) ([]byte, error) {
			return encodeAssignments(s.manager.GetAssignments())
		},
	}

	for op, h := range handlers {
		h := h
		sub, err := s.nc.Subscribe(managerSubject(s.prefix, op), func(msg *natsgo.Msg) {
			var rf responseFrame
			data, err := h(ctx, msg.Data)
			if err != nil {
				rf.Err = err.Error()
			} else {
				rf.Data = data
			}
			b, _ := json.Marshal(rf)
			if err := msg.Respond(b); err != nil {
				s.log.Error("failed to respond", slog.Any("error", err))
			}
		})
		if err != nil {
			return fmt.Errorf("nats: subscribe manager subject %s: %w", op, err)
		}
		s.subs = append(s.subs, sub)
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.log.Info("shard manager listening")
	return nil
}

func (s *ManagerServer) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	s.closeNc()
}
