package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/codeblocks/internal/codeblocks"
	"go.uber.org/zap"
)

var (
	errMissingStore       = errors.New("block store dependency required")
	errMissingRegistry    = errors.New("registry dependency required")
	errMissingBroadcaster = errors.New("broadcaster dependency required")
)

const messageMissingBlockID = "blockId is undefined"

// BlockStore is the read side of the code block store used by the session protocol.
type BlockStore interface {
	GetBlock(ctx context.Context, blockID string) (*codeblocks.CodeBlock, error)
	CorrectCode(ctx context.Context, blockID string) (string, bool, error)
}

// Peer is a single realtime connection.
type Peer interface {
	ID() string
	Emit(event string, payload any) error
}

// Broadcaster fans events out to connected peers.
type Broadcaster interface {
	Broadcast(event string, payload any)
	BroadcastGroup(group, event string, payload any)
	JoinGroup(group string, peer Peer)
	LeaveGroup(group string, peer Peer)
}

// Recorder receives protocol outcomes for metrics.
type Recorder interface {
	RoleAssigned(role string)
	CodeEvaluated(correct bool)
}

// BroadcastScope selects who receives codeUpdate events.
type BroadcastScope string

const (
	// BroadcastScopeGlobal sends code updates to every connected peer.
	BroadcastScopeGlobal BroadcastScope = "global"
	// BroadcastScopeBlock sends code updates only to peers that joined the block.
	BroadcastScopeBlock BroadcastScope = "block"
)

// ParseBroadcastScope validates a configured scope name.
func ParseBroadcastScope(value string) (BroadcastScope, error) {
	switch BroadcastScope(strings.ToLower(strings.TrimSpace(value))) {
	case BroadcastScopeGlobal, "":
		return BroadcastScopeGlobal, nil
	case BroadcastScopeBlock:
		return BroadcastScopeBlock, nil
	default:
		return "", fmt.Errorf("unknown broadcast scope %q", value)
	}
}

type CoordinatorConfig struct {
	Store                  BlockStore
	Registry               *Registry
	Broadcaster            Broadcaster
	Scope                  BroadcastScope
	ReleaseAllOnDisconnect bool
	Recorder               Recorder
	Logger                 *zap.Logger
}

// Coordinator runs the join, leave, code change and disconnect protocol.
type Coordinator struct {
	store       BlockStore
	registry    *Registry
	broadcaster Broadcaster
	scope       BroadcastScope
	releaseAll  bool
	recorder    Recorder
	logger      *zap.Logger
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}
	scope := cfg.Scope
	if scope == "" {
		scope = BroadcastScopeGlobal
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:       cfg.Store,
		registry:    cfg.Registry,
		broadcaster: cfg.Broadcaster,
		scope:       scope,
		releaseAll:  cfg.ReleaseAllOnDisconnect,
		recorder:    cfg.Recorder,
		logger:      logger,
	}, nil
}

// Dispatch decodes an inbound event and routes it. Unknown events are ignored.
func (c *Coordinator) Dispatch(ctx context.Context, peer Peer, event string, data json.RawMessage) {
	switch event {
	case EventJoin:
		var request JoinRequest
		if err := decodePayload(data, &request); err != nil {
			c.logger.Debug("join payload rejected", zap.String("connection_id", peer.ID()), zap.Error(err))
			request = JoinRequest{}
		}
		c.Join(ctx, peer, request)
	case EventLeave:
		var request LeaveRequest
		if err := decodePayload(data, &request); err != nil {
			c.logger.Debug("leave payload rejected", zap.String("connection_id", peer.ID()), zap.Error(err))
			return
		}
		c.Leave(ctx, peer, request)
	case EventCodeChange:
		var request CodeChangeRequest
		if err := decodePayload(data, &request); err != nil {
			c.logger.Debug("code change payload rejected", zap.String("connection_id", peer.ID()), zap.Error(err))
			return
		}
		c.CodeChange(ctx, peer, request)
	default:
		c.logger.Debug("unknown realtime event", zap.String("event", event), zap.String("connection_id", peer.ID()))
	}
}

// Join looks up the block and answers the peer with its role, or with an error event.
func (c *Coordinator) Join(ctx context.Context, peer Peer, request JoinRequest) {
	if request.BlockID == "" {
		c.emit(peer, EventError, ErrorPayload{Message: messageMissingBlockID})
		return
	}

	block, err := c.store.GetBlock(ctx, request.BlockID)
	if err != nil {
		c.logger.Warn("join lookup failed",
			zap.String("block_id", request.BlockID),
			zap.String("connection_id", peer.ID()),
			zap.Error(err))
		c.emit(peer, EventError, ErrorPayload{Message: fmt.Sprintf("Error fetching block %s", request.BlockID)})
		return
	}
	if block == nil {
		c.emit(peer, EventError, ErrorPayload{Message: fmt.Sprintf("No block found with blockId %s", request.BlockID)})
		return
	}

	role := c.registry.Claim(request.BlockID, peer.ID())
	c.broadcaster.JoinGroup(request.BlockID, peer)
	if c.recorder != nil {
		c.recorder.RoleAssigned(string(role))
	}
	c.logger.Info("participant joined",
		zap.String("block_id", request.BlockID),
		zap.String("connection_id", peer.ID()),
		zap.String("role", string(role)))
	c.emit(peer, EventRole, RolePayload{Role: role, Block: *block})
}

// Leave frees the mentor slot when the registered mentor leaves. Students hold no slot.
func (c *Coordinator) Leave(_ context.Context, peer Peer, request LeaveRequest) {
	c.broadcaster.LeaveGroup(request.BlockID, peer)
	if request.Role != RoleMentor {
		return
	}
	if c.registry.Release(request.BlockID, peer.ID()) {
		c.logger.Info("mentor left",
			zap.String("block_id", request.BlockID),
			zap.String("connection_id", peer.ID()))
	}
}

// CodeChange grades the submitted code against the stored reference and
// broadcasts the result. Lookup failures and unknown blocks are dropped silently.
func (c *Coordinator) CodeChange(ctx context.Context, peer Peer, request CodeChangeRequest) {
	correctCode, found, err := c.store.CorrectCode(ctx, request.BlockID)
	if err != nil {
		c.logger.Debug("code change dropped",
			zap.String("block_id", request.BlockID),
			zap.String("connection_id", peer.ID()),
			zap.Error(err))
		return
	}
	if !found {
		c.logger.Debug("code change for unknown block dropped",
			zap.String("block_id", request.BlockID),
			zap.String("connection_id", peer.ID()))
		return
	}

	update := CodeUpdatePayload{
		Code:      request.Code,
		IsCorrect: codeblocks.IsCorrect(request.Code, correctCode),
	}
	if c.recorder != nil {
		c.recorder.CodeEvaluated(update.IsCorrect)
	}

	if c.scope == BroadcastScopeBlock {
		c.broadcaster.BroadcastGroup(request.BlockID, EventCodeUpdate, update)
		return
	}
	c.broadcaster.Broadcast(EventCodeUpdate, update)
}

// Disconnect releases the mentor slot held by a dropped connection.
func (c *Coordinator) Disconnect(_ context.Context, peer Peer) {
	released := c.registry.ReleaseConnection(peer.ID(), c.releaseAll)
	if len(released) > 0 {
		c.logger.Info("mentor disconnected",
			zap.String("connection_id", peer.ID()),
			zap.Strings("block_ids", released))
	}
}

func (c *Coordinator) emit(peer Peer, event string, payload any) {
	if err := peer.Emit(event, payload); err != nil {
		c.logger.Debug("emit failed",
			zap.String("event", event),
			zap.String("connection_id", peer.ID()),
			zap.Error(err))
	}
}

func decodePayload(data json.RawMessage, target any) error {
	if len(data) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(data, target)
}
