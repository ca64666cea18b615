// Package memory implements the hierarchical memory compressor: every few
// unsummarized messages fold into a MICRO node via a draft+critic dual-LLM
// pass, every few MICRO nodes fold into a MACRO node, and every completed
// MACRO gets a long-form historian saga entry. Grounded on
// backend_manager.py's _task_recursive_summary/_task_historian.
package memory

import (
	"context"
	"fmt"
	"strings"

	llminterface "github.com/283525452-ops/DeepTavern/llm-interface"
	"github.com/283525452-ops/DeepTavern/log"
	"github.com/283525452-ops/DeepTavern/store"
)

const (
	promptMicroDraft = `Summarize the following exchange into a tight paragraph capturing what
happened, who was involved, and any notable change in state or relationship. Write in
plain prose, no headers, 3-6 sentences.

%s`

	promptMicroCritic = `You are reviewing a scene summary for accuracy and completeness against
the original exchange. If it is accurate and complete, repeat it unchanged. If it drops
or misstates something important, rewrite it. Return only the final summary text.

Original exchange:
%s

Draft summary:
%s`

	promptMacro = `Merge the following sequence of scene summaries into one cohesive paragraph
describing this stretch of the story as a single continuous arc. Preserve causality and
named entities. 4-8 sentences.

%s`

	promptHistorian = `You are a chronicler writing the historical record of a completed story
arc. Given the arc summary below, write a vivid, long-form prose passage (at least 200
words) as if recording this chapter for posterity. Do not mention that this is a summary.

%s`

	promptEntityProbe = `Name exactly one proper noun (a person, place, organization, or artifact)
mentioned in the text below that seems important to the story but under-explained — the
kind of thing a reader would want more background on. Reply with that single name and
nothing else, or "NONE" if nothing qualifies. Do not explain your reasoning.

%s`
)

// HarvesterQueue is the minimal interface the world-expansion probe needs;
// satisfied by *harvester.Harvester.
type HarvesterQueue interface {
	AddTask(keyword string, priority int)
}

// Config controls the compression cadence (component #11 in the system
// overview; both values default from scheduler config).
type Config struct {
	MicroEveryMessages int // default 5
	MacroEveryMicros   int // default 10
	ProbePriority      int // low priority for world-expansion harvester tasks; default 5
}

// Compressor drives the MICRO → MACRO → saga pipeline for one core store.
type Compressor struct {
	store     *store.CoreStore
	provider  llminterface.Provider
	draftModel  string
	criticModel string
	historianModel string
	probeModel string
	harvester HarvesterQueue
	cfg       Config
}

// New builds a compressor. harvester may be nil to disable the
// world-expansion probe.
func New(st *store.CoreStore, provider llminterface.Provider, draftModel, criticModel, historianModel, probeModel string, harvester HarvesterQueue, cfg Config) *Compressor {
	if cfg.MicroEveryMessages <= 0 {
		cfg.MicroEveryMessages = 5
	}
	if cfg.MacroEveryMicros <= 0 {
		cfg.MacroEveryMicros = 10
	}
	if cfg.ProbePriority <= 0 {
		cfg.ProbePriority = 5
	}
	return &Compressor{
		store: st, provider: provider,
		draftModel: draftModel, criticModel: criticModel,
		historianModel: historianModel, probeModel: probeModel,
		harvester: harvester, cfg: cfg,
	}
}

// MaybeCompress is called after every turn is persisted. It folds messages
// into a MICRO once cfg.MicroEveryMessages unsummarized messages have
// accumulated, then folds MICRO nodes into a MACRO once cfg.MacroEveryMicros
// have accumulated, triggering a saga entry for the completed MACRO.
// timelineTag is the in-game tag the state engine computed for this turn
// (not the message's wall-clock timestamp) and is bound to the new MICRO node.
func (c *Compressor) MaybeCompress(ctx context.Context, sessionUUID, timelineTag string) error {
	unsummarized, err := c.store.UnsummarizedMessages(ctx, sessionUUID)
	if err != nil {
		return fmt.Errorf("memory: load unsummarized: %w", err)
	}
	if len(unsummarized) < c.cfg.MicroEveryMessages {
		return nil
	}

	if err := c.compressMicro(ctx, sessionUUID, timelineTag, unsummarized); err != nil {
		return err
	}

	micros, err := c.store.UnmergedMicroNodes(ctx, sessionUUID)
	if err != nil {
		return fmt.Errorf("memory: load unmerged micros: %w", err)
	}
	if len(micros) < c.cfg.MacroEveryMicros {
		return nil
	}
	return c.compressMacro(ctx, sessionUUID, micros)
}

func (c *Compressor) compressMicro(ctx context.Context, sessionUUID, tag string, messages []store.Message) error {
	var b strings.Builder
	ids := make([]int64, 0, len(messages))
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		ids = append(ids, m.ID)
	}
	transcript := b.String()

	draft, err := c.complete(ctx, c.draftModel, fmt.Sprintf(promptMicroDraft, transcript))
	if err != nil {
		return fmt.Errorf("memory: micro draft: %w", err)
	}
	final, err := c.complete(ctx, c.criticModel, fmt.Sprintf(promptMicroCritic, transcript, draft))
	if err != nil {
		log.Log.Warnf("[Memory] critic pass failed, keeping draft: %v", err)
		final = draft
	}

	if tag == "" {
		tag = messages[0].CreatedAt.Format("2006-01-02 15:04")
	}
	node := store.MemoryNode{
		SessionUUID: sessionUUID, Tier: store.TierMicro, Text: final,
		TimelineTag: tag, SourceMessageIDs: ids,
	}
	if _, err := c.store.SaveMemoryNode(ctx, node); err != nil {
		return fmt.Errorf("memory: save micro node: %w", err)
	}
	if err := c.store.MarkMessagesSummarized(ctx, ids); err != nil {
		return fmt.Errorf("memory: mark summarized: %w", err)
	}
	log.Log.Infof("[Memory] compressed %d messages into MICRO[%s]", len(messages), tag)

	c.probeForExpansion(ctx, final)
	return nil
}

func (c *Compressor) compressMacro(ctx context.Context, sessionUUID string, micros []store.MemoryNode) error {
	var b strings.Builder
	ids := make([]int64, 0, len(micros))
	for _, m := range micros {
		fmt.Fprintf(&b, "- %s\n", m.Text)
		ids = append(ids, m.ID)
	}

	merged, err := c.complete(ctx, c.draftModel, fmt.Sprintf(promptMacro, b.String()))
	if err != nil {
		return fmt.Errorf("memory: macro merge: %w", err)
	}

	// MACRO inherits the first constituent MICRO's timeline_tag.
	tag := micros[0].TimelineTag
	node := store.MemoryNode{
		SessionUUID: sessionUUID, Tier: store.TierMacro, Text: merged,
		TimelineTag: tag, SourceMessageIDs: flattenSourceIDs(micros),
	}
	macroID, err := c.store.SaveMemoryNode(ctx, node)
	if err != nil {
		return fmt.Errorf("memory: save macro node: %w", err)
	}
	if err := c.store.MarkNodesMerged(ctx, ids); err != nil {
		return fmt.Errorf("memory: mark micros merged: %w", err)
	}
	log.Log.Infof("[Memory] compressed %d MICRO nodes into MACRO[%s]", len(micros), tag)

	return c.writeSaga(ctx, sessionUUID, macroID, merged)
}

func (c *Compressor) writeSaga(ctx context.Context, sessionUUID string, macroID int64, macroText string) error {
	saga, err := c.complete(ctx, c.historianModel, fmt.Sprintf(promptHistorian, macroText))
	if err != nil {
		return fmt.Errorf("memory: historian: %w", err)
	}
	if _, err := c.store.SaveSagaEntry(ctx, sessionUUID, macroID, saga); err != nil {
		return fmt.Errorf("memory: save saga entry: %w", err)
	}
	log.Log.Infof("[Memory] historian recorded saga for MACRO %d", macroID)
	return nil
}

// probeForExpansion looks at a freshly drafted MICRO summary for a single
// under-explained entity and, if the harvester is wired in, enqueues it at
// low priority so the knowledge base fills in lore between turns rather
// than blocking the narrator.
func (c *Compressor) probeForExpansion(ctx context.Context, text string) {
	if c.harvester == nil || c.probeModel == "" {
		return
	}
	reply, err := c.complete(ctx, c.probeModel, fmt.Sprintf(promptEntityProbe, text))
	if err != nil {
		log.Log.Debugf("[Memory] expansion probe failed: %v", err)
		return
	}
	entity := strings.TrimSpace(reply)
	if entity == "" || strings.EqualFold(entity, "none") {
		return
	}
	c.harvester.AddTask(entity, c.cfg.ProbePriority)
}

func (c *Compressor) complete(ctx context.Context, model, prompt string) (string, error) {
	resp, err := c.provider.ChatCompletion(ctx, model, []llminterface.Message{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func flattenSourceIDs(micros []store.MemoryNode) []int64 {
	var out []int64
	for _, m := range micros {
		out = append(out, m.SourceMessageIDs...)
	}
	return out
}
