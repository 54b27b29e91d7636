// Package cnp implements the Contract-Net Protocol bidder: it listens
// for task auctions on the shared bus, prices bids at marginal cost, and
// heartbeats the tasks it wins.
package cnp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/apex-agent-runtime/internal/adapter/observability"
	"github.com/fairyhunter13/apex-agent-runtime/internal/config"
	"github.com/fairyhunter13/apex-agent-runtime/internal/domain"
)

// Bus keys shared with the orchestrator. These literals are part of the
// wire contract and must not change.
const (
	AnnouncementsChannel = "apex:cnp:announcements"
	bidsKeyPrefix        = "apex:cnp:bids:"
	awardsKeyPrefix      = "apex:cnp:awards:"
	heartbeatKeyPrefix   = "apex:cnp:heartbeat:"
)

// Marginal cost coefficients.
const (
	depthCostFactor       = 0.002
	baseDurationSecs      = 10
	perRequirementSecs    = 5
	depthConfidencePerHop = 0.1
	minDepthConfidence    = 0.5
)

// TaskAnnouncement is an auction published by the orchestrator.
type TaskAnnouncement struct {
	TaskID       string         `json:"task_id"`
	Description  string         `json:"description"`
	Requirements []string       `json:"requirements"`
	DeadlineSecs float64        `json:"deadline_secs"`
	MinBidCount  int            `json:"min_bid_count"`
	Metadata     map[string]any `json:"metadata"`
}

// UnmarshalJSON decodes an announcement and fills defaulted collection
// fields, so a decode-encode cycle is the identity on every field.
func (a *TaskAnnouncement) UnmarshalJSON(data []byte) error {
	type alias TaskAnnouncement
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = TaskAnnouncement(raw)
	if a.Requirements == nil {
		a.Requirements = []string{}
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	return nil
}

// AgentBid is one agent's offer on an announced task.
type AgentBid struct {
	AgentID           string   `json:"agent_id"`
	TaskID            string   `json:"task_id"`
	EstimatedCost     float64  `json:"estimated_cost"`
	EstimatedDuration float64  `json:"estimated_duration"`
	Confidence        float64  `json:"confidence"`
	Capabilities      []string `json:"capabilities"`
}

// AwardDecision is the orchestrator's auction outcome for one task.
type AwardDecision struct {
	TaskID     string    `json:"task_id"`
	WinningBid AgentBid  `json:"winning_bid"`
	RunnerUp   *AgentBid `json:"runner_up,omitempty"`
	TotalBids  int       `json:"total_bids"`
}

// AnnouncementHandler receives decoded announcements from Listen.
type AnnouncementHandler func(ctx context.Context, ann *TaskAnnouncement)

// BiddingAgent participates in CNP auctions for one logical agent.
type BiddingAgent struct {
	rdb               *redis.Client
	agentID           string
	capabilities      []string
	baseCost          float64
	complexityPremium float64
	heartbeatInterval time.Duration
	heartbeatTTL      time.Duration

	mu          sync.Mutex
	activeTasks map[string]context.CancelFunc
	queueDepth  int
	wg          sync.WaitGroup
}

// New constructs a BiddingAgent from the runtime config.
func New(rdb *redis.Client, agentID string, cfg config.Config) *BiddingAgent {
	if cfg.CNPHeartbeatInterval <= 0 {
		cfg.CNPHeartbeatInterval = 10 * time.Second
	}
	if cfg.CNPHeartbeatTTL <= 0 {
		cfg.CNPHeartbeatTTL = 30 * time.Second
	}
	return &BiddingAgent{
		rdb:               rdb,
		agentID:           agentID,
		capabilities:      cfg.CNPCapabilities,
		baseCost:          cfg.CNPBaseCost,
		complexityPremium: cfg.CNPComplexityPremium,
		heartbeatInterval: cfg.CNPHeartbeatInterval,
		heartbeatTTL:      cfg.CNPHeartbeatTTL,
		activeTasks:       make(map[string]context.CancelFunc),
	}
}

// AgentID returns the bidder's identity.
func (b *BiddingAgent) AgentID() string { return b.agentID }

// QueueDepth reports the number of currently awarded tasks.
func (b *BiddingAgent) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queueDepth
}

// ActiveTasks lists the task IDs currently held, sorted.
func (b *BiddingAgent) ActiveTasks() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.activeTasks))
	for id := range b.activeTasks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Evaluate prices an announcement. It declines (nil, false) when the
// announcement requires capabilities this agent has none of.
func (b *BiddingAgent) Evaluate(ann *TaskAnnouncement) (*AgentBid, bool) {
	depth := b.QueueDepth()

	matched := b.capabilities
	matchRatio := 1.0
	if len(ann.Requirements) > 0 {
		matched = intersect(b.capabilities, ann.Requirements)
		if len(matched) == 0 {
			return nil, false
		}
		matchRatio = float64(len(matched)) / float64(len(ann.Requirements))
	}

	cost := round6(b.baseCost + depthCostFactor*float64(depth) + b.complexityPremium*float64(len(ann.Requirements)))
	duration := float64(baseDurationSecs + perRequirementSecs*len(ann.Requirements))
	confidence := math.Min(1, matchRatio*math.Max(minDepthConfidence, 1-depthConfidencePerHop*float64(depth)))

	return &AgentBid{
		AgentID:           b.agentID,
		TaskID:            ann.TaskID,
		EstimatedCost:     cost,
		EstimatedDuration: duration,
		Confidence:        confidence,
		Capabilities:      matched,
	}, true
}

// SubmitBid appends the bid to the task's bid list.
func (b *BiddingAgent) SubmitBid(ctx context.Context, bid *AgentBid) error {
	payload, err := json.Marshal(bid)
	if err != nil {
		return fmt.Errorf("op=cnp.SubmitBid: %w", err)
	}
	if err := b.rdb.RPush(ctx, bidsKeyPrefix+bid.TaskID, payload).Err(); err != nil {
		return fmt.Errorf("op=cnp.SubmitBid: %w", err)
	}
	observability.BidsSubmittedTotal.Inc()
	slog.Debug("bid submitted",
		slog.String("agent_id", b.agentID),
		slog.String("task_id", bid.TaskID),
		slog.Float64("cost", bid.EstimatedCost),
		slog.Float64("confidence", bid.Confidence))
	return nil
}

// AwaitAward blocks up to timeout for an award addressed to this agent.
// Returns (nil, nil) when the timeout expires without one.
func (b *BiddingAgent) AwaitAward(ctx context.Context, timeout time.Duration) (*AwardDecision, error) {
	vals, err := b.rdb.BLPop(ctx, timeout, awardsKeyPrefix+b.agentID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=cnp.AwaitAward: %w", err)
	}
	var decision AwardDecision
	if err := json.Unmarshal([]byte(vals[1]), &decision); err != nil {
		return nil, fmt.Errorf("op=cnp.AwaitAward: decode: %w", err)
	}
	observability.AwardsReceivedTotal.Inc()
	return &decision, nil
}

// HandleAward takes ownership of an awarded task: it joins the active
// set, deepens the queue, and starts the per-task heartbeat.
func (b *BiddingAgent) HandleAward(ctx context.Context, taskID string) error {
	b.mu.Lock()
	if _, ok := b.activeTasks[taskID]; ok {
		b.mu.Unlock()
		return fmt.Errorf("op=cnp.HandleAward: task %s already active: %w", taskID, domain.ErrConflict)
	}
	hbCtx, cancel := context.WithCancel(ctx)
	b.activeTasks[taskID] = cancel
	b.queueDepth++
	b.mu.Unlock()

	b.wg.Add(1)
	go b.heartbeatLoop(hbCtx, taskID)
	slog.Info("award accepted",
		slog.String("agent_id", b.agentID),
		slog.String("task_id", taskID))
	return nil
}

func (b *BiddingAgent) heartbeatLoop(ctx context.Context, taskID string) {
	defer b.wg.Done()
	b.writeHeartbeat(ctx, taskID)

	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.writeHeartbeat(ctx, taskID)
		}
	}
}

func (b *BiddingAgent) writeHeartbeat(ctx context.Context, taskID string) {
	doc, err := json.Marshal(map[string]string{
		"agent_id":  b.agentID,
		"task_id":   taskID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := b.rdb.Set(ctx, heartbeatKeyPrefix+taskID, doc, b.heartbeatTTL).Err(); err != nil && ctx.Err() == nil {
		slog.Warn("task heartbeat failed",
			slog.String("agent_id", b.agentID),
			slog.String("task_id", taskID),
			slog.Any("error", err))
	}
}

// CompleteTask releases a held task: the heartbeat stops and the queue
// depth drops, never below zero.
func (b *BiddingAgent) CompleteTask(taskID string) {
	b.mu.Lock()
	cancel, ok := b.activeTasks[taskID]
	if ok {
		delete(b.activeTasks, taskID)
	}
	if b.queueDepth > 0 {
		b.queueDepth--
	}
	b.mu.Unlock()

	if ok {
		cancel()
	}
	slog.Info("task completed",
		slog.String("agent_id", b.agentID),
		slog.String("task_id", taskID))
}

// Listen subscribes to the announcements channel until the context ends.
// Each decodable announcement goes to the handler; with a nil handler the
// agent auto-evaluates and submits a bid. Malformed payloads are skipped.
func (b *BiddingAgent) Listen(ctx context.Context, handler AnnouncementHandler) error {
	pubsub := b.rdb.Subscribe(ctx, AnnouncementsChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("op=cnp.Listen: subscribe: %w", err)
	}
	slog.Info("listening for task announcements", slog.String("agent_id", b.agentID))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ann TaskAnnouncement
			if err := json.Unmarshal([]byte(msg.Payload), &ann); err != nil || ann.TaskID == "" {
				slog.Warn("skipping malformed announcement",
					slog.String("agent_id", b.agentID),
					slog.Any("error", err))
				continue
			}
			if handler != nil {
				handler(ctx, &ann)
				continue
			}
			b.autoBid(ctx, &ann)
		}
	}
}

func (b *BiddingAgent) autoBid(ctx context.Context, ann *TaskAnnouncement) {
	bid, ok := b.Evaluate(ann)
	if !ok {
		slog.Debug("declined announcement",
			slog.String("agent_id", b.agentID),
			slog.String("task_id", ann.TaskID))
		return
	}
	if err := b.SubmitBid(ctx, bid); err != nil {
		slog.Warn("bid submission failed",
			slog.String("task_id", ann.TaskID),
			slog.Any("error", err))
	}
}

// Close cancels every task heartbeat and waits for them to exit.
func (b *BiddingAgent) Close() {
	b.mu.Lock()
	for id, cancel := range b.activeTasks {
		cancel()
		delete(b.activeTasks, id)
	}
	b.queueDepth = 0
	b.mu.Unlock()
	b.wg.Wait()
}

// intersect keeps the elements of a that appear in b, preserving a's
// order.
func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
