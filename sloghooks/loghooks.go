// Package sloghooks logs cache hook events through log/slog.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/l2cache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery uint64
	RejectEvery   uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr atomic.Uint64
	rejectCtr   atomic.Uint64
}

var _ l2cache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(region, storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("l2cache.self_heal",
		"region", region,
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) ProviderSetRejected(region, storageKey string) {
	if h.l == nil || !sample(h.opts.RejectEvery, &h.rejectCtr) {
		return
	}
	h.l.Warn("l2cache.provider_set_rejected",
		"region", region,
		"key", h.redact(storageKey))
}

func (h *Hooks) GenSnapshotError(region string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("l2cache.gen_snapshot_error",
		"region", region,
		"err", err)
}

func (h *Hooks) GenBumpError(region string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("l2cache.gen_bump_error",
		"region", region,
		"err", err)
}

func (h *Hooks) RegionInvalidated(region string, gen uint64) {
	if h.l == nil {
		return
	}
	h.l.Debug("l2cache.region_invalidated",
		"region", region,
		"gen", gen)
}

func (h *Hooks) RegionEvicted(region string, dropped int) {
	if h.l == nil {
		return
	}
	h.l.Info("l2cache.region_evicted",
		"region", region,
		"dropped", dropped)
}
