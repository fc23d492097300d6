// Package listener is the Event Listener (spec.md §4.6): the thing that
// decides when a resync happens. Three mutually exclusive variants share
// one Orchestrator-facing contract — TriggerResync — so the orchestrator
// never knows which variant is driving it.
//
// There is no teacher equivalent: go-database-reconciler is invoked
// synchronously by its CLI, it never self-schedules. This package is
// built from spec.md §4.6 directly, using time.Ticker for the polling
// variant (the same idiom the standard library itself recommends for
// "do X every interval") and a small Bus interface for the cooperative
// variant, since the concrete message bus is host-supplied (spec.md
// §4.6: "subscribe to a topic").
package listener

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/port-labs/ocean-core/pkg/entity"
)

// ResyncTrigger is the narrow contract every listener variant drives. It
// is satisfied by a thin adapter over pkg/orchestrator.Orchestrator.Run so
// this package never has to import the orchestrator's result type.
type ResyncTrigger interface {
	TriggerResync(ctx context.Context, trigger entity.TriggerType) error
}

// ConfigLoader loads the current app config, used for fingerprinting.
type ConfigLoader func(ctx context.Context) (*entity.AppConfig, error)

// fingerprint hashes cfg's JSON encoding so two structurally identical
// configs compare equal regardless of field order.
func fingerprint(cfg *entity.AppConfig) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("listener: marshaling config for fingerprint: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// PollingListener triggers a resync whenever the app config's fingerprint
// changes, and independently on a fixed schedule (spec.md §4.6).
type PollingListener struct {
	Trigger      ResyncTrigger
	ConfigLoader ConfigLoader

	// PollInterval is how often the config fingerprint is checked.
	// Defaults to 60s.
	PollInterval time.Duration
	// ResyncInterval is how often a full resync runs regardless of
	// config changes. Zero disables the periodic resync.
	ResyncInterval time.Duration

	lastFingerprint string
}

const defaultPollInterval = 60 * time.Second

// Run blocks until ctx is canceled, polling for config changes and
// periodic resyncs. Callers run it in its own goroutine.
func (l *PollingListener) Run(ctx context.Context) error {
	pollInterval := l.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()

	var resyncTicker *time.Ticker
	var resyncCh <-chan time.Time
	if l.ResyncInterval > 0 {
		resyncTicker = time.NewTicker(l.ResyncInterval)
		defer resyncTicker.Stop()
		resyncCh = resyncTicker.C
	}

	if err := l.checkFingerprint(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pollTicker.C:
			if err := l.checkFingerprint(ctx); err != nil {
				return err
			}
		case <-resyncCh:
			if err := l.Trigger.TriggerResync(ctx, entity.TriggerMachine); err != nil {
				return err
			}
		}
	}
}

func (l *PollingListener) checkFingerprint(ctx context.Context) error {
	cfg, err := l.ConfigLoader(ctx)
	if err != nil {
		return fmt.Errorf("listener: loading config: %w", err)
	}
	fp, err := fingerprint(cfg)
	if err != nil {
		return err
	}
	if l.lastFingerprint != "" && fp == l.lastFingerprint {
		return nil
	}
	changed := l.lastFingerprint != ""
	l.lastFingerprint = fp
	if !changed {
		// First observation: record the baseline, no resync yet.
		return nil
	}
	return l.Trigger.TriggerResync(ctx, entity.TriggerMachine)
}

// MessageType is the kind of a cooperative-bus Message.
type MessageType string

const (
	MessageConfigChange  MessageType = "config_change"
	MessageResyncRequest MessageType = "resync_request"
)

// Message is one event read off the cooperative bus topic.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Bus is the host-supplied message bus collaborator for the Cooperative
// variant. It is intentionally minimal: spec.md §4.6 treats the bus as
// external, so this package only names the shape it needs.
type Bus interface {
	// Messages returns a channel of inbound messages. The channel is
	// closed when the subscription ends.
	Messages() <-chan Message
	// PartitionAssigned reports, on every assignment-rebalance event,
	// whether this consumer currently holds at least one partition.
	PartitionAssigned() <-chan bool
}

// CooperativeListener subscribes to a Bus topic and triggers a resync per
// inbound message. If the partition assignment stays empty for longer
// than PartitionEmptyTimeout, it calls Exit with a distinct code so the
// host process restarts the integration (spec.md §4.6).
type CooperativeListener struct {
	Trigger ResyncTrigger
	Bus     Bus

	// PartitionEmptyTimeout bounds how long an empty assignment is
	// tolerated before Exit is called. Defaults to 5 minutes.
	PartitionEmptyTimeout time.Duration
	// Exit is called with PartitionEmptyExitCode when the timeout
	// elapses. Defaults to os.Exit; overridable so tests don't kill the
	// test binary.
	Exit func(code int)
}

// PartitionEmptyExitCode is the distinct exit code signaling "this
// consumer has held no partitions for too long, please restart me."
const PartitionEmptyExitCode = 2

const defaultPartitionEmptyTimeout = 5 * time.Minute

// Run blocks until ctx is canceled or the bus's message channel closes.
func (l *CooperativeListener) Run(ctx context.Context) error {
	timeout := l.PartitionEmptyTimeout
	if timeout <= 0 {
		timeout = defaultPartitionEmptyTimeout
	}
	exit := l.Exit
	if exit == nil {
		exit = defaultExit
	}

	messages := l.Bus.Messages()
	assignment := l.Bus.PartitionAssigned()

	var emptyTimer *time.Timer
	var emptyCh <-chan time.Time
	stopEmptyTimer := func() {
		if emptyTimer != nil {
			emptyTimer.Stop()
			emptyTimer = nil
			emptyCh = nil
		}
	}
	defer stopEmptyTimer()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case assigned, ok := <-assignment:
			if !ok {
				assignment = nil
				continue
			}
			if assigned {
				stopEmptyTimer()
			} else if emptyTimer == nil {
				emptyTimer = time.NewTimer(timeout)
				emptyCh = emptyTimer.C
			}

		case <-emptyCh:
			exit(PartitionEmptyExitCode)
			return fmt.Errorf("listener: partition assignment empty for longer than %s", timeout)

		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			trigger := entity.TriggerMachine
			if msg.Type == MessageResyncRequest {
				trigger = entity.TriggerRequest
			}
			if err := l.Trigger.TriggerResync(ctx, trigger); err != nil {
				return err
			}
		}
	}
}

func defaultExit(code int) {
	os.Exit(code)
}

// WebhookOnlyListener never triggers a resync of its own; inbound HTTP
// events are routed directly to pkg/liveevent by pkg/httpserver. It
// exists so callers can treat all three variants uniformly.
type WebhookOnlyListener struct{}

// Run blocks until ctx is canceled; it does nothing else.
func (WebhookOnlyListener) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
