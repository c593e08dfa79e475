package contextpack

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/lukacf/mcp-the-force-sub004/internal/llm"
	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
	"github.com/lukacf/mcp-the-force-sub004/internal/sessioncache"
	"github.com/lukacf/mcp-the-force-sub004/internal/tokens"
	"github.com/lukacf/mcp-the-force-sub004/internal/vectorstore"
)

// DefaultInlineFraction of the model context window goes to inline file
// content; the remainder is headroom for instructions, history, and the
// model's own output.
const DefaultInlineFraction = 0.85

// Packer assembles prompts. Stable records inline membership per session;
// Stores receives overflow files.
type Packer struct {
	Stable         *sessioncache.StableListCache
	Stores         *vectorstore.Manager
	InlineFraction float64
}

// Request is one packing job.
type Request struct {
	Instructions  string
	OutputFormat  string
	Paths         []string
	PriorityPaths []string
	SessionID     string
	ContextWindow int // model context window, tokens
}

// Result is the assembled prompt plus the overflow bookkeeping.
type Result struct {
	Prompt        string
	InlinePaths   []string
	OverflowPaths []string
	VectorStoreID string
}

// Build walks the request paths, splits them into inline and overflow
// channels, uploads the overflow, rewrites the stable list, and renders
// the prompt. Two successive calls with unchanged files produce identical
// inline sets and reuse the same vector store.
func (p *Packer) Build(ctx context.Context, req Request) (*Result, error) {
	fraction := p.InlineFraction
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultInlineFraction
	}
	budget := int(float64(req.ContextWindow) * fraction)

	candidates := Walk(req.Paths)

	forced := make(map[string]struct{})
	for _, c := range Walk(req.PriorityPaths) {
		forced[c.Path] = struct{}{}
		// Priority paths join the candidate set even when outside the
		// regular context roots.
		found := false
		for _, existing := range candidates {
			if existing.Path == c.Path {
				found = true
				break
			}
		}
		if !found {
			candidates = append(candidates, c)
		}
	}

	sticky := p.stickySet(ctx, req.SessionID, candidates)

	var (
		inline   []Candidate
		overflow []Candidate
		used     int
	)

	// Forced and sticky files claim budget first, in path order
	// (candidates are already sorted).
	var rest []Candidate
	for _, c := range candidates {
		_, isForced := forced[c.Path]
		_, isSticky := sticky[c.Path]
		if isForced || isSticky {
			inline = append(inline, c)
			used += tokens.EstimateBytes(c.Size)
		} else {
			rest = append(rest, c)
		}
	}
	if forcedTokens := forcedCost(inline, forced); forcedTokens > budget {
		return nil, &llm.BudgetExceeded{Needed: forcedTokens, Budget: budget}
	}
	if used > budget {
		// Sticky files that no longer fit fall back to overflow; forced
		// ones already passed the check above.
		inline, used = shedSticky(inline, forced, budget, &overflow)
	}

	for _, c := range rest {
		cost := tokens.EstimateBytes(c.Size)
		if used+cost <= budget {
			inline = append(inline, c)
			used += cost
		} else {
			overflow = append(overflow, c)
		}
	}

	res := &Result{}
	for _, c := range inline {
		res.InlinePaths = append(res.InlinePaths, c.Path)
	}
	for _, c := range overflow {
		res.OverflowPaths = append(res.OverflowPaths, c.Path)
	}

	if len(overflow) > 0 {
		vsID, err := p.Stores.Create(ctx, res.OverflowPaths, req.SessionID)
		if err != nil {
			return nil, &llm.VectorStoreUnavailable{Err: err}
		}
		res.VectorStoreID = vsID
	}

	p.rememberInline(ctx, req.SessionID, inline)

	res.Prompt = renderPrompt(req, inline, res.OverflowPaths)
	return res, nil
}

// stickySet marks candidates that were inline last turn and are unchanged
// since. Changed files lose stickiness and compete for budget again.
func (p *Packer) stickySet(ctx context.Context, sessionID string, candidates []Candidate) map[string]struct{} {
	sticky := make(map[string]struct{})
	if sessionID == "" || p.Stable == nil {
		return sticky
	}
	prior, err := p.Stable.GetStableList(ctx, sessionID)
	if err != nil {
		L_warn("contextpack: stable list read failed", "session", sessionID, "error", err)
		return sticky
	}
	inPrior := make(map[string]struct{}, len(prior))
	for _, path := range prior {
		inPrior[path] = struct{}{}
	}
	for _, c := range candidates {
		if _, ok := inPrior[c.Path]; !ok {
			continue
		}
		changed, err := p.Stable.FileChangedSinceLastSend(ctx, sessionID, c.Path,
			sessioncache.FileInfo{Size: c.Size, MtimeNS: c.MtimeNS})
		if err != nil {
			L_warn("contextpack: fingerprint check failed", "path", c.Path, "error", err)
			continue
		}
		if !changed {
			sticky[c.Path] = struct{}{}
		}
	}
	return sticky
}

func (p *Packer) rememberInline(ctx context.Context, sessionID string, inline []Candidate) {
	if sessionID == "" || p.Stable == nil {
		return
	}
	paths := make([]string, len(inline))
	infos := make(map[string]sessioncache.FileInfo, len(inline))
	for i, c := range inline {
		paths[i] = c.Path
		infos[c.Path] = sessioncache.FileInfo{Size: c.Size, MtimeNS: c.MtimeNS}
	}
	if err := p.Stable.SaveStableList(ctx, sessionID, paths); err != nil {
		L_warn("contextpack: stable list write failed", "session", sessionID, "error", err)
	}
	if err := p.Stable.BatchUpdateSentFiles(ctx, sessionID, infos); err != nil {
		L_warn("contextpack: fingerprint write failed", "session", sessionID, "error", err)
	}
}

func forcedCost(inline []Candidate, forced map[string]struct{}) int {
	total := 0
	for _, c := range inline {
		if _, ok := forced[c.Path]; ok {
			total += tokens.EstimateBytes(c.Size)
		}
	}
	return total
}

// shedSticky drops sticky (non-forced) files from the end of the inline
// list until it fits, moving them to overflow.
func shedSticky(inline []Candidate, forced map[string]struct{}, budget int, overflow *[]Candidate) ([]Candidate, int) {
	used := 0
	for _, c := range inline {
		used += tokens.EstimateBytes(c.Size)
	}
	for used > budget {
		shed := false
		for i := len(inline) - 1; i >= 0; i-- {
			if _, ok := forced[inline[i].Path]; ok {
				continue
			}
			used -= tokens.EstimateBytes(inline[i].Size)
			*overflow = append(*overflow, inline[i])
			inline = append(inline[:i], inline[i+1:]...)
			shed = true
			break
		}
		if !shed {
			break
		}
	}
	return inline, used
}

func renderPrompt(req Request, inline []Candidate, overflowPaths []string) string {
	var b strings.Builder

	b.WriteString("# Instructions\n\n")
	b.WriteString(req.Instructions)
	b.WriteString("\n")

	if req.OutputFormat != "" {
		b.WriteString("\n# Output format\n\n")
		b.WriteString(req.OutputFormat)
		b.WriteString("\n")
	}

	if len(inline) > 0 || len(overflowPaths) > 0 {
		b.WriteString("\n# File map\n\n")
		for _, c := range inline {
			fmt.Fprintf(&b, "- %s (inline)\n", c.Path)
		}
		for _, path := range overflowPaths {
			fmt.Fprintf(&b, "- %s (attached)\n", path)
		}
	}

	if len(inline) > 0 {
		b.WriteString("\n# Files\n")
		for _, c := range inline {
			data, err := os.ReadFile(c.Path)
			if err != nil {
				L_warn("contextpack: inline read failed", "path", c.Path, "error", err)
				continue
			}
			fmt.Fprintf(&b, "\n=== BEGIN %s ===\n", c.Path)
			b.Write(data)
			if len(data) > 0 && data[len(data)-1] != '\n' {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "=== END %s ===\n", c.Path)
		}
	}

	if len(overflowPaths) > 0 {
		b.WriteString("\nAttached files are not shown inline; search them with the search_session_attachments tool.\n")
	}

	return b.String()
}
