package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes events as JSON to
//
//	{prefix}.{run_id|system}.{kind}
//
// e.g. pipelined.audit.3f2a….token.consumed. NATS preserves publish order
// per connection, which gives subscribers per-run ordering.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink creates a sink publishing under prefix.
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	return &NATSSink{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject an event is published to.
func (s *NATSSink) Subject(e Event) string {
	run := e.RunID
	if run == "" {
		run = "system"
	}
	return fmt.Sprintf("%s.%s.%s", s.prefix, run, e.Kind)
}

func (s *NATSSink) Append(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	if err := s.nc.Publish(s.Subject(e), data); err != nil {
		return fmt.Errorf("publish audit event %d: %w", e.Seq, err)
	}
	return nil
}
