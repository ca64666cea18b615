package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	llminterface "github.com/283525452-ops/DeepTavern/llm-interface"
	"github.com/283525452-ops/DeepTavern/log"
)

// Backup pairs a fallback provider with the model name to request from it.
type Backup struct {
	Provider llminterface.Provider
	Model    string
	Name     string
}

// cooldownWindow is how long a backup provider is skipped after it fails,
// so a dead fallback doesn't eat a retry budget on every single call.
const cooldownWindow = 30 * time.Second

// Chain tries a primary provider, then each backup in order, with a
// per-backup cooldown after a failure.
type Chain struct {
	primary      llminterface.Provider
	primaryModel string

	backups []Backup

	cooldownMu sync.Mutex
	cooldowns  map[string]time.Time
}

// NewChain builds a chain around a primary provider/model and an ordered list
// of fallbacks, tried only if the primary fails.
func NewChain(primary llminterface.Provider, primaryModel string, backups []Backup) *Chain {
	return &Chain{
		primary:      primary,
		primaryModel: primaryModel,
		backups:      backups,
		cooldowns:    make(map[string]time.Time),
	}
}

// ChatCompletion tries the primary, then walks the backup list, returning the
// first success. Every attempt's error is logged; only total exhaustion is
// returned to the caller.
func (c *Chain) ChatCompletion(ctx context.Context, messages []llminterface.Message, tools []llminterface.Tool) (*llminterface.Response, error) {
	resp, err := c.primary.ChatCompletion(ctx, c.primaryModel, messages, tools)
	if err == nil {
		return resp, nil
	}
	log.Log.Warnf("[Chain] primary (%s) failed: %v", c.primaryModel, err)

	for _, b := range c.backups {
		if c.onCooldown(b.Name) {
			continue
		}
		resp, err := b.Provider.ChatCompletion(ctx, b.Model, messages, tools)
		if err == nil {
			return resp, nil
		}
		log.Log.Warnf("[Chain] backup %q (%s) failed: %v", b.Name, b.Model, err)
		c.setCooldown(b.Name)
	}
	return nil, fmt.Errorf("llm: all providers exhausted")
}

func (c *Chain) onCooldown(name string) bool {
	c.cooldownMu.Lock()
	defer c.cooldownMu.Unlock()
	until, ok := c.cooldowns[name]
	return ok && time.Now().Before(until)
}

func (c *Chain) setCooldown(name string) {
	c.cooldownMu.Lock()
	defer c.cooldownMu.Unlock()
	c.cooldowns[name] = time.Now().Add(cooldownWindow)
}
