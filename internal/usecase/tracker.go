package usecase

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/companion/internal/domain"
	"github.com/eliteGoblin/focusd/companion/internal/protocol"
)

const dayLayout = "2006-01-02"

// maxUpdateSeconds caps a single TIME_UPDATE at one day.
const maxUpdateSeconds = 24 * 60 * 60

// Result is what handling one message produces. Reply goes back to the
// sender; Broadcast goes to every connected peer.
type Result struct {
	Reply     protocol.Message
	Broadcast []protocol.Message
}

// Tracker consumes decoded extension messages on the Primary.
// It is not safe for concurrent use; the dispatcher serializes calls.
type Tracker struct {
	usage   domain.UsageStore
	markers domain.MarkerStore
	budgets map[string]int // platform -> minutes per day
	logger  *zap.Logger

	now   func() time.Time
	newID func() string

	notified map[string]string  // platform -> day BUDGET_EXCEEDED was pushed
	carry    map[string]float64 // platform -> seconds not yet recorded
}

// NewTracker creates a tracker.
func NewTracker(usage domain.UsageStore, markers domain.MarkerStore, budgets map[string]int, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := make(map[string]int, len(budgets))
	for k, v := range budgets {
		b[platformKey(k)] = v
	}
	return &Tracker{
		usage:    usage,
		markers:  markers,
		budgets:  b,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
		notified: make(map[string]string),
		carry:    make(map[string]float64),
	}
}

// platformKey normalizes platform names. Config keys arrive lowercased.
func platformKey(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}

// Handle processes one message.
func (t *Tracker) Handle(msg protocol.Message) Result {
	switch m := msg.(type) {
	case protocol.Ping:
		return Result{Reply: protocol.Pong{Timestamp: t.now().UnixMilli()}}
	case protocol.GetStatus:
		return Result{Reply: t.status()}
	case protocol.TimeUpdate:
		return t.timeUpdate(m)
	case protocol.SessionStart:
		t.sessionStart(m)
	case protocol.SessionEnd:
		t.sessionEnd(m)
	case protocol.Unknown:
		t.logger.Warn("ignoring unknown message type", zap.String("type", string(m.Type)))
	default:
		t.logger.Warn("ignoring unexpected message", zap.String("type", string(msg.MessageType())))
	}
	return Result{}
}

func (t *Tracker) timeUpdate(m protocol.TimeUpdate) Result {
	platform := platformKey(m.Platform)
	if platform == "" || math.IsNaN(m.Seconds) || m.Seconds <= 0 || m.Seconds > maxUpdateSeconds {
		t.logger.Warn("dropping invalid TIME_UPDATE",
			zap.String("platform", m.Platform),
			zap.Float64("seconds", m.Seconds))
		return Result{}
	}

	// Whole seconds are stored; the fraction waits for the next update
	pending := t.carry[platform] + m.Seconds
	whole := math.Floor(pending)
	t.carry[platform] = pending - whole
	if whole == 0 {
		return Result{}
	}

	day := t.now().Format(dayLayout)
	total, err := t.usage.AddUsage(day, platform, int64(whole))
	if err != nil {
		t.logger.Error("failed to record usage", zap.String("platform", platform), zap.Error(err))
		return Result{}
	}

	budget := t.budgets[platform]
	if budget <= 0 || total < int64(budget)*60 || t.notified[platform] == day {
		return Result{}
	}
	t.notified[platform] = day

	used := float64(total) / 60
	t.logger.Info("budget exceeded",
		zap.String("platform", platform),
		zap.Float64("minutes_used", used),
		zap.Int("budget_minutes", budget))
	return Result{Broadcast: []protocol.Message{protocol.BudgetExceeded{
		Platform:      platform,
		MinutesUsed:   used,
		BudgetMinutes: budget,
	}}}
}

func (t *Tracker) sessionStart(m protocol.SessionStart) {
	session := domain.BrowsingSession{
		ID:        t.newID(),
		Platform:  platformKey(m.Platform),
		Browser:   m.Browser,
		Intent:    m.Intent,
		StartedAt: t.now(),
	}
	if err := t.usage.StartSession(session); err != nil {
		t.logger.Error("failed to start session", zap.String("platform", m.Platform), zap.Error(err))
		return
	}
	t.logger.Debug("session started", zap.String("id", session.ID), zap.String("platform", m.Platform))
}

func (t *Tracker) sessionEnd(m protocol.SessionEnd) {
	ended, err := t.usage.EndSession(platformKey(m.Platform), m.Browser, t.now())
	if err != nil {
		t.logger.Error("failed to end session", zap.String("platform", m.Platform), zap.Error(err))
		return
	}
	if !ended {
		t.logger.Debug("SESSION_END without open session",
			zap.String("platform", m.Platform),
			zap.String("browser", m.Browser))
	}
}

func (t *Tracker) status() protocol.Status {
	now := t.now()
	status := protocol.Status{
		Timestamp:  now.UnixMilli(),
		Budgets:    []protocol.BudgetStatus{},
		StrictMode: t.markers.StrictMode(),
	}

	used := make(map[string]int64)
	entries, err := t.usage.UsageForDay(now.Format(dayLayout))
	if err != nil {
		t.logger.Error("failed to read usage", zap.Error(err))
	}
	for _, e := range entries {
		used[e.Platform] = e.Seconds
	}

	platforms := make(map[string]struct{}, len(used)+len(t.budgets))
	for p := range used {
		platforms[p] = struct{}{}
	}
	for p := range t.budgets {
		platforms[p] = struct{}{}
	}
	names := make([]string, 0, len(platforms))
	for p := range platforms {
		names = append(names, p)
	}
	sort.Strings(names)

	for _, p := range names {
		budget := t.budgets[p]
		status.Budgets = append(status.Budgets, protocol.BudgetStatus{
			Platform:      p,
			MinutesUsed:   float64(used[p]) / 60,
			BudgetMinutes: budget,
			Exceeded:      budget > 0 && used[p] >= int64(budget)*60,
		})
	}

	open, err := t.usage.OpenSessions()
	if err != nil {
		t.logger.Error("failed to read sessions", zap.Error(err))
	}
	status.ActiveSessions = len(open)
	return status
}
