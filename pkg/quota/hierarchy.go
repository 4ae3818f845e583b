package quota

import (
	"context"
	"strconv"
	"strings"

	"github.com/breakslot/breakslot/pkg/config"
	"github.com/breakslot/breakslot/pkg/model"
	"github.com/breakslot/breakslot/pkg/store"
)

const fallbackCap = 1

// Hierarchy resolves configuration values: a stored system setting wins, then the
// process configuration, then the built-in fallback.
type Hierarchy struct {
	categories   []model.Category
	defaultCap   int
	defaultQuota int
}

func NewHierarchy(cfg config.AdmissionConfig) *Hierarchy {
	categories := make([]model.Category, 0, len(cfg.Categories))
	for _, c := range cfg.Categories {
		if c = strings.TrimSpace(c); c != "" {
			categories = append(categories, model.Category(c))
		}
	}
	defaultCap := cfg.DefaultCap
	if defaultCap < 0 {
		defaultCap = fallbackCap
	}
	defaultQuota := cfg.DefaultQuotaMinutes
	if defaultQuota < 0 {
		defaultQuota = 0
	}
	return &Hierarchy{
		categories:   categories,
		defaultCap:   defaultCap,
		defaultQuota: defaultQuota,
	}
}

func (h *Hierarchy) Categories() []model.Category {
	return append([]model.Category(nil), h.categories...)
}

// Known reports whether category is one of the configured labels.
func (h *Hierarchy) Known(category model.Category) bool {
	for _, c := range h.categories {
		if c == category {
			return true
		}
	}
	return false
}

func (h *Hierarchy) ResolveCap(ctx context.Context, r store.Reader, category model.Category) (int, error) {
	return h.resolveInt(ctx, r, model.CapSettingKey(category), h.defaultCap)
}

func (h *Hierarchy) ResolveDefaultQuota(ctx context.Context, r store.Reader) (int, error) {
	return h.resolveInt(ctx, r, model.SettingDefaultQuota, h.defaultQuota)
}

// Unparseable or negative stored values fall back to the configured default.
func (h *Hierarchy) resolveInt(ctx context.Context, r store.Reader, key string, fallback int) (int, error) {
	value, ok, err := r.Setting(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || parsed < 0 {
		return fallback, nil
	}
	return parsed, nil
}
