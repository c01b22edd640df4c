// Package dialer implements the Dialer (C8): the outbound origination
// decision loop, its per-second global throttle, least-loaded line
// selection, and the consecutive-failure cascade that pauses the whole
// system on sustained trouble (spec.md §4.8).
package dialer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowpbx/dialer/internal/panel"
	"github.com/flowpbx/dialer/internal/scenario"
	"github.com/flowpbx/dialer/internal/session"
	"github.com/flowpbx/dialer/internal/sms"
	"github.com/flowpbx/dialer/internal/telephony"
)

// Contact is a single dial target, sourced either from the panel batch or
// from STATIC_CONTACTS when the panel is disabled.
type Contact struct {
	ID          string
	PhoneNumber string
	ScenarioID  string
}

// Config carries the Dialer's tunables, all sourced from spec.md §6's
// configuration table.
type Config struct {
	OutboundTrunk         string
	DefaultCallerID       string
	OriginationTimeout    time.Duration
	MaxConcurrentCalls    int
	MaxCallsPerMinute     int
	MaxCallsPerDay        int
	MaxOriginationsPerSec float64
	BatchSize             int
	DefaultRetry          time.Duration
	StaticContacts        []string
	FailAlertThreshold    int

	// OperatorNumbers is the static OPERATOR_MOBILE_NUMBERS fallback
	// roster, used for both inbound and outbound transfer whenever the
	// panel batch's own agent lists are empty (spec.md §9 Open Question:
	// panel authoritative when it says anything at all).
	OperatorNumbers []string
}

// PanelSource is the subset of panel operations the Dialer needs.
type PanelSource interface {
	GetNextBatch(ctx context.Context, size int) (panel.Batch, error)
	SetCallAllowed(allowed bool)
	Enabled() bool
}

// Dialer drives outbound origination. All mutable state beyond the
// session table's own line counters is confined to this struct and
// guarded by mu.
type Dialer struct {
	cfg       Config
	tel       *telephony.Client
	sessions  *session.Manager
	registry  *scenario.Registry
	panelSrc  PanelSource
	smsClient *sms.Client
	roster    *session.AgentRoster
	cleanup   func(*session.Session, string)
	logger    *slog.Logger

	limiter *rate.Limiter

	mu              sync.Mutex
	paused          bool
	pauseReason     string
	queue           []Contact
	company         string
	activeScenarios []string

	consecutiveFailures atomic.Int64
}

// New builds a Dialer. roster receives the panel's inbound/outbound agent
// lists on every batch fetch; cleanup is invoked when an origination
// never reaches Answered within OriginationTimeout, so the Session
// Manager's table never keeps a dead entry for a missed dial.
func New(cfg Config, company string, tel *telephony.Client, sessions *session.Manager,
	registry *scenario.Registry, panelSrc PanelSource, smsClient *sms.Client,
	roster *session.AgentRoster, cleanup func(*session.Session, string), logger *slog.Logger) *Dialer {
	d := &Dialer{
		cfg:       cfg,
		company:   company,
		tel:       tel,
		sessions:  sessions,
		registry:  registry,
		panelSrc:  panelSrc,
		smsClient: smsClient,
		roster:    roster,
		cleanup:   cleanup,
		logger:    logger.With("subsystem", "dialer"),
		limiter:   rate.NewLimiter(rate.Limit(cfg.MaxOriginationsPerSec), 1),
	}
	if !panelSrc.Enabled() {
		d.applyRoster(nil, nil)
	}
	return d
}

// Pause manually pauses the dialer; no in-flight calls are cancelled.
func (d *Dialer) Pause(reason string) {
	d.mu.Lock()
	d.paused = true
	d.pauseReason = reason
	d.mu.Unlock()
}

// Resume requires an explicit manual call; the dialer never auto-probes
// and resumes on its own (spec.md §9 Open Question, resolved toward the
// safer explicit-resume policy).
func (d *Dialer) Resume() {
	d.mu.Lock()
	d.paused = false
	d.pauseReason = ""
	d.consecutiveFailures.Store(0)
	d.mu.Unlock()
	if d.panelSrc.Enabled() {
		d.panelSrc.SetCallAllowed(true)
	}
}

func (d *Dialer) isPaused() (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused, d.pauseReason
}

// IsPaused reports whether the dialer is currently paused and why, for
// the ops metrics collector.
func (d *Dialer) IsPaused() (bool, string) {
	return d.isPaused()
}

// Run executes the decision loop until ctx is cancelled.
func (d *Dialer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if paused, reason := d.isPaused(); paused {
			d.logger.Debug("dialer paused, sleeping", "reason", reason)
			d.sleep(ctx, d.cfg.DefaultRetry)
			continue
		}

		contact, ok := d.nextContact(ctx)
		if !ok {
			d.sleep(ctx, d.cfg.DefaultRetry)
			continue
		}

		line, ok := d.pickLine()
		if !ok {
			d.requeue(contact)
			d.sleep(ctx, 100*time.Millisecond)
			continue
		}

		if err := d.limiter.Wait(ctx); err != nil {
			return
		}

		d.originate(ctx, contact, line)
	}
}

func (d *Dialer) sleep(ctx context.Context, dur time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(dur):
	}
}

func (d *Dialer) requeue(c Contact) {
	d.mu.Lock()
	d.queue = append([]Contact{c}, d.queue...)
	d.mu.Unlock()
}

func (d *Dialer) nextContact(ctx context.Context) (Contact, bool) {
	d.mu.Lock()
	if len(d.queue) > 0 {
		c := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		return c, true
	}
	d.mu.Unlock()

	if !d.panelSrc.Enabled() {
		return d.nextStaticContact()
	}

	batch, err := d.panelSrc.GetNextBatch(ctx, d.cfg.BatchSize)
	if err != nil {
		d.logger.Warn("get_next_batch failed", "error", err)
		return Contact{}, false
	}

	if !batch.CallAllowed {
		d.mu.Lock()
		d.paused = true
		d.pauseReason = "panel call_allowed=false"
		d.mu.Unlock()
		return Contact{}, false
	}

	d.applyRoster(batch.InboundAgents, batch.OutboundAgents)

	names := make([]string, 0, len(batch.ActiveScenarios))
	for _, s := range batch.ActiveScenarios {
		names = append(names, s.Name)
	}
	d.mu.Lock()
	d.activeScenarios = names
	d.mu.Unlock()
	d.sessions.SetActiveScenarios(names)

	var fresh []Contact
	for _, c := range batch.Contacts {
		fresh = append(fresh, Contact{ID: c.ID, PhoneNumber: c.PhoneNumber})
	}
	if len(fresh) == 0 {
		return Contact{}, false
	}

	d.mu.Lock()
	d.queue = append(d.queue, fresh[1:]...)
	d.mu.Unlock()

	return fresh[0], true
}

// applyRoster pushes the panel's agent lists into the shared roster,
// falling back to the static OPERATOR_MOBILE_NUMBERS config whenever the
// panel reports an empty list for a given direction.
func (d *Dialer) applyRoster(inbound, outbound []panel.AgentRef) {
	if d.roster == nil {
		return
	}
	fallback := make([]session.Agent, 0, len(d.cfg.OperatorNumbers))
	for _, num := range d.cfg.OperatorNumbers {
		fallback = append(fallback, session.Agent{ID: num, PhoneNumber: num})
	}

	d.roster.SetInboundAgents(convertOrFallback(inbound, fallback))
	d.roster.SetOutboundAgents(convertOrFallback(outbound, fallback))
}

func convertOrFallback(refs []panel.AgentRef, fallback []session.Agent) []session.Agent {
	if len(refs) == 0 {
		return fallback
	}
	out := make([]session.Agent, 0, len(refs))
	for _, r := range refs {
		out = append(out, session.Agent{ID: r.ID, PhoneNumber: r.PhoneNumber})
	}
	return out
}

func (d *Dialer) nextStaticContact() (Contact, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.cfg.StaticContacts) == 0 {
		return Contact{}, false
	}
	number := d.cfg.StaticContacts[0]
	d.cfg.StaticContacts = append(d.cfg.StaticContacts[1:], number)
	return Contact{PhoneNumber: number}, true
}

// pickLine implements the §4.8 "least-loaded among permissible" two-pass
// algorithm: filter, then select by smallest in-flight count, ties
// broken by originations_this_second then configuration order.
func pickLine(lines []*session.Line, now time.Time, maxConcurrent, maxPerMinute, maxPerDay int, minOriginationGap time.Duration, sessions *session.Manager) (*session.Line, bool) {
	type candidate struct {
		line     *session.Line
		snapshot session.Snapshot
		order    int
	}

	var permissible []candidate
	for i, l := range lines {
		snap := l.Snapshot(now)
		if snap.OutboundInFlight+snap.InboundInFlight >= maxConcurrent {
			continue
		}
		if sessions.HasQueuedInbound(l.ID) {
			continue
		}
		if snap.CallsLastMinute >= maxPerMinute {
			continue
		}
		if snap.CallsToday >= maxPerDay {
			continue
		}
		if minOriginationGap > 0 && !snap.LastOriginationAt.IsZero() && now.Sub(snap.LastOriginationAt) < minOriginationGap {
			continue
		}
		permissible = append(permissible, candidate{line: l, snapshot: snap, order: i})
	}

	if len(permissible) == 0 {
		return nil, false
	}

	sort.SliceStable(permissible, func(i, j int) bool {
		a, b := permissible[i], permissible[j]
		loadA := a.snapshot.OutboundInFlight + a.snapshot.InboundInFlight
		loadB := b.snapshot.OutboundInFlight + b.snapshot.InboundInFlight
		if loadA != loadB {
			return loadA < loadB
		}
		if a.snapshot.OriginationsThisSecond != b.snapshot.OriginationsThisSecond {
			return a.snapshot.OriginationsThisSecond < b.snapshot.OriginationsThisSecond
		}
		return a.order < b.order
	})

	return permissible[0].line, true
}

func (d *Dialer) pickLine() (*session.Line, bool) {
	var gap time.Duration
	if d.cfg.MaxOriginationsPerSec > 0 {
		gap = time.Duration(float64(time.Second) / d.cfg.MaxOriginationsPerSec)
	}
	return pickLine(d.sessions.Lines(), time.Now(), d.cfg.MaxConcurrentCalls, d.cfg.MaxCallsPerMinute,
		d.cfg.MaxCallsPerDay, gap, d.sessions)
}

func (d *Dialer) originate(ctx context.Context, contact Contact, line *session.Line) {
	dialString := line.PhoneNumber[max(0, len(line.PhoneNumber)-4):] + contact.PhoneNumber

	d.mu.Lock()
	active := append([]string(nil), d.activeScenarios...)
	company := d.company
	d.mu.Unlock()

	sc, ok := d.registry.NextOutbound(company, active)
	if !ok {
		d.logger.Warn("no active outbound scenario available, requeueing contact", "contact_id", contact.ID)
		d.requeue(contact)
		return
	}

	originateCtx, cancel := context.WithTimeout(ctx, d.cfg.OriginationTimeout)
	defer cancel()

	result, err := d.tel.Originate(originateCtx, telephony.OriginateRequest{
		Endpoint: dialString,
		CallerID: d.cfg.DefaultCallerID,
		Trunk:    d.cfg.OutboundTrunk,
		Timeout:  int(d.cfg.OriginationTimeout.Seconds()),
	})
	if err != nil {
		d.recordFailure("transient_network")
		return
	}

	line.RecordOutboundAttempt(time.Now())

	sess := d.sessions.NewSession(session.DirectionOutbound, result.ChannelID, contact.PhoneNumber, d.cfg.DefaultCallerID, line.ID)
	sess.Lock()
	sess.ContactID = contact.ID
	sess.NumberID = contact.ID
	sess.PhoneNumber = contact.PhoneNumber
	sess.ScenarioCompany = sc.Company
	sess.ScenarioName = sc.Name
	sess.Unlock()

	d.consecutiveFailures.Store(0)

	key := session.SuspendKey{SessionID: sess.ID, Kind: "dial"}
	wake := d.sessions.RegisterSignal(key)
	go d.awaitAnswer(sess, line, key, wake)
}

// awaitAnswer implements the ORIGINATION_TIMEOUT watchdog: if the
// customer leg never reaches Answered, the Session Manager's event
// handler never fires this signal, and the dial is treated as missed
// (spec.md §4.8). The orchestrator signals key the moment it observes
// the leg's Answered state change, before starting the scenario flow.
func (d *Dialer) awaitAnswer(sess *session.Session, line *session.Line, key session.SuspendKey, wake <-chan struct{}) {
	select {
	case <-wake:
		return
	case <-time.After(d.cfg.OriginationTimeout):
		d.sessions.CancelSignal(key)
		if d.cleanup != nil {
			d.cleanup(sess, "missed")
		} else {
			line.ReleaseOutbound()
		}
		d.recordFailure("origination_timeout")
	}
}

// recordFailure increments the consecutive-failure cascade counter and
// trips the pause once FAIL_ALERT_THRESHOLD is reached.
func (d *Dialer) recordFailure(reason string) {
	n := d.consecutiveFailures.Add(1)
	if int(n) < d.cfg.FailAlertThreshold {
		return
	}
	d.tripPause("consecutive failure cascade: "+reason, "consecutive failure cascade tripped, pausing dialer", reason)
}

// PauseForQuota immediately pauses the dialer in response to an external
// service's quota being exhausted (spec.md §4.4, §7). Unlike
// recordFailure, this does not wait for FAIL_ALERT_THRESHOLD: a quota
// outage affects every call in flight, not just the one that hit it.
func (d *Dialer) PauseForQuota(reason string) {
	d.tripPause(reason, "quota exhausted, pausing dialer", reason)
}

// tripPause pauses the dialer and fires the SMS/panel alert exactly once
// per pause episode, regardless of which caller trips it.
func (d *Dialer) tripPause(pauseReason, logMsg, alertReason string) {
	d.mu.Lock()
	alreadyPaused := d.paused
	d.paused = true
	d.pauseReason = pauseReason
	d.mu.Unlock()

	if alreadyPaused {
		return
	}

	d.logger.Error(logMsg, "reason", alertReason)

	if d.smsClient != nil && d.smsClient.Configured() {
		if err := d.smsClient.SendPauseAlert(context.Background(), alertReason); err != nil {
			d.logger.Warn("failed to send pause alert sms", "error", err)
		}
	}
	if d.panelSrc.Enabled() {
		d.panelSrc.SetCallAllowed(false)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
