package capability

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/fyrsmithlabs/pipelined/internal/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IssueRequest asks for a token.
type IssueRequest struct {
	Scope     string
	Requester string
	RunID     string
	// TTL overrides the tier lifetime. It is capped at the tier lifetime.
	TTL time.Duration
	// Command and Paths declare what the holder will run and touch. When
	// set they must pass the scope's command and path whitelists.
	Command string
	Paths   []string
}

// permits checks req against the policy and names the check that refused
// it.
func (p *Policy) permits(req IssueRequest) (string, bool) {
	sp, ok := p.Scope(req.Scope)
	if !ok || !slices.Contains(sp.Stages, req.Requester) {
		return "requester", false
	}
	if req.Command != "" && !p.PermitsCommand(req.Scope, req.Command) {
		return "command", false
	}
	for _, path := range req.Paths {
		if !p.PermitsPath(req.Scope, path) {
			return "path", false
		}
	}
	return "", true
}

// Issuer grants and tracks tokens.
type Issuer struct {
	ttls   TTLs
	audit  audit.Recorder
	logger *zap.Logger
	now    func() time.Time
	ids    func() string

	policy atomic.Pointer[Policy]

	mu     sync.Mutex
	tokens map[string]*Token
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithIDs overrides token ID generation.
func WithIDs(next func() string) Option {
	return func(i *Issuer) { i.ids = next }
}

// NewIssuer creates an issuer enforcing policy.
func NewIssuer(policy *Policy, ttls TTLs, rec audit.Recorder, logger *zap.Logger, opts ...Option) *Issuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	i := &Issuer{
		ttls:   ttls,
		audit:  rec,
		logger: logger,
		now:    time.Now,
		ids:    uuid.NewString,
		tokens: make(map[string]*Token),
	}
	i.policy.Store(policy)
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Policy returns the active policy.
func (i *Issuer) Policy() *Policy { return i.policy.Load() }

// SetPolicy replaces the active policy. Tokens already issued stay valid.
func (i *Issuer) SetPolicy(p *Policy) {
	i.policy.Store(p)
	i.logger.Info("capability policy updated", zap.Int("scopes", len(p.Scopes)))
}

// Issue grants req.Scope to req.Requester if the policy whitelists it.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (Token, error) {
	policy := i.Policy()
	if refused, ok := policy.permits(req); !ok {
		tokensDenied.WithLabelValues(req.Scope).Inc()
		i.record(ctx, audit.Event{
			Kind:    audit.KindTokenDenied,
			Actor:   req.Requester,
			RunID:   req.RunID,
			Stage:   req.Requester,
			Subject: req.Scope,
			After:   string(ReasonNotPermitted),
			Details: map[string]string{"refused": refused},
		})
		return Token{}, &TokenError{Reason: ReasonNotPermitted, Scope: req.Scope}
	}
	sp, _ := policy.Scope(req.Scope)

	ttl := i.ttls.For(sp.Tier)
	if req.TTL > 0 && req.TTL < ttl {
		ttl = req.TTL
	}
	now := i.now()
	tok := Token{
		ID:        i.ids(),
		Scope:     req.Scope,
		Requester: req.Requester,
		RunID:     req.RunID,
		Tier:      sp.Tier,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	i.mu.Lock()
	i.tokens[tok.ID] = &tok
	i.mu.Unlock()

	tokensIssued.WithLabelValues(req.Scope, string(sp.Tier)).Inc()
	i.record(ctx, audit.Event{
		Kind:    audit.KindTokenIssued,
		Actor:   req.Requester,
		RunID:   req.RunID,
		Stage:   req.Requester,
		Subject: ref(tok.ID),
		After:   "active",
		Details: issuedDetails(tok, req),
	})
	i.logger.Debug("capability token issued",
		logging.TokenRef(tok.ID),
		zap.String("scope", tok.Scope),
		zap.String("requester", tok.Requester),
		zap.Duration("ttl", ttl))
	return tok, nil
}

// Validate checks that tokenID grants scope to presenter and is still
// usable. Expiry is checked before consumption.
func (i *Issuer) Validate(ctx context.Context, tokenID, scope, presenter string) error {
	i.mu.Lock()
	tok, ok := i.tokens[tokenID]
	var reason Reason
	var t Token
	switch {
	case !ok:
		reason = ReasonUnknown
	default:
		t = *tok
		reason = check(t, i.now())
		if reason == "" && t.Scope != scope {
			reason = ReasonScopeMismatch
		}
		if reason == "" && t.Requester != presenter {
			reason = ReasonHolderMismatch
		}
	}
	i.mu.Unlock()

	if reason == "" {
		return nil
	}
	return i.reject(ctx, tokenID, t, scope, presenter, reason)
}

// Consume marks the token used. A token is consumed at most once.
func (i *Issuer) Consume(ctx context.Context, tokenID string) error {
	i.mu.Lock()
	tok, ok := i.tokens[tokenID]
	var reason Reason
	var t Token
	switch {
	case !ok:
		reason = ReasonUnknown
	case tok.Revoked:
		reason = ReasonRevoked
	case tok.Consumed():
		reason = ReasonConsumed
	default:
		tok.ConsumedAt = i.now()
	}
	if ok {
		t = *tok
	}
	i.mu.Unlock()

	if reason != "" {
		return i.reject(ctx, tokenID, t, t.Scope, "", reason)
	}
	i.record(ctx, audit.Event{
		Kind:    audit.KindTokenConsumed,
		Actor:   t.Requester,
		RunID:   t.RunID,
		Stage:   t.Requester,
		Subject: ref(tokenID),
		Before:  "active",
		After:   "consumed",
		Details: map[string]string{"scope": t.Scope},
	})
	return nil
}

// Release revokes an unconsumed token, for calls abandoned before use.
// Releasing a revoked token is a no-op.
func (i *Issuer) Release(ctx context.Context, tokenID string) error {
	i.mu.Lock()
	tok, ok := i.tokens[tokenID]
	var reason Reason
	var t Token
	already := false
	switch {
	case !ok:
		reason = ReasonUnknown
	case tok.Consumed():
		reason = ReasonConsumed
	case tok.Revoked:
		already = true
	default:
		tok.Revoked = true
	}
	if ok {
		t = *tok
	}
	i.mu.Unlock()

	if reason != "" {
		return i.reject(ctx, tokenID, t, t.Scope, "", reason)
	}
	if already {
		return nil
	}
	i.record(ctx, audit.Event{
		Kind:    audit.KindTokenReleased,
		Actor:   t.Requester,
		RunID:   t.RunID,
		Stage:   t.Requester,
		Subject: ref(tokenID),
		Before:  "active",
		After:   "revoked",
		Details: map[string]string{"scope": t.Scope},
	})
	return nil
}

// Get returns a copy of the token.
func (i *Issuer) Get(tokenID string) (Token, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	tok, ok := i.tokens[tokenID]
	if !ok {
		return Token{}, false
	}
	return *tok, true
}

// Active lists usable tokens, optionally filtered by requester, oldest
// first.
func (i *Issuer) Active(requester string) []Token {
	now := i.now()
	i.mu.Lock()
	defer i.mu.Unlock()

	var out []Token
	for _, tok := range i.tokens {
		if check(*tok, now) != "" {
			continue
		}
		if requester != "" && tok.Requester != requester {
			continue
		}
		out = append(out, *tok)
	}
	slices.SortFunc(out, func(a, b Token) int { return a.IssuedAt.Compare(b.IssuedAt) })
	return out
}

// Sweep forgets expired tokens and returns how many were removed.
func (i *Issuer) Sweep() int {
	now := i.now()
	i.mu.Lock()
	defer i.mu.Unlock()

	n := 0
	for id, tok := range i.tokens {
		if tok.Expired(now) {
			delete(i.tokens, id)
			n++
		}
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is done.
func (i *Issuer) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := i.Sweep(); n > 0 {
				i.logger.Debug("swept expired capability tokens", zap.Int("count", n))
			}
		}
	}
}

// check returns why t is unusable at now, or "".
func check(t Token, now time.Time) Reason {
	switch {
	case t.Revoked:
		return ReasonRevoked
	case t.Expired(now):
		return ReasonExpired
	case t.Consumed():
		return ReasonConsumed
	}
	return ""
}

func (i *Issuer) reject(ctx context.Context, tokenID string, t Token, scope, presenter string, reason Reason) error {
	tokensRejected.WithLabelValues(string(reason)).Inc()
	actor := presenter
	if actor == "" {
		actor = t.Requester
	}
	if actor == "" {
		actor = "unknown"
	}
	i.record(ctx, audit.Event{
		Kind:    audit.KindTokenRejected,
		Actor:   actor,
		RunID:   t.RunID,
		Stage:   presenter,
		Subject: ref(tokenID),
		After:   string(reason),
		Details: map[string]string{"scope": scope},
	})
	i.logger.Warn("capability token rejected",
		logging.TokenRef(tokenID),
		zap.String("scope", scope),
		zap.String("reason", string(reason)))
	return &TokenError{Reason: reason, Scope: scope, Ref: ref(tokenID)}
}

func (i *Issuer) record(ctx context.Context, e audit.Event) {
	if e.Subject == "" {
		e.Subject = "unknown"
	}
	if _, err := i.audit.Record(ctx, e); err != nil {
		i.logger.Error("capability audit record failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

func issuedDetails(tok Token, req IssueRequest) map[string]string {
	d := map[string]string{
		"scope":      tok.Scope,
		"tier":       string(tok.Tier),
		"expires_at": tok.ExpiresAt.Format(time.RFC3339),
	}
	if req.Command != "" {
		d["command"] = req.Command
	}
	if len(req.Paths) > 0 {
		d["paths"] = strings.Join(req.Paths, ",")
	}
	return d
}
