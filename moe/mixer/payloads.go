package mixer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"

	"github.com/polymind/polymind/moe"
)

var markdownImageRe = regexp.MustCompile(`!\[[^\]]*\]\([^)\s]+\)`)

// preservedKinds are the payload kinds the summarizer must never see.
var preservedKinds = map[moe.PayloadKind]bool{
	moe.PayloadInteractiveMap: true,
	moe.PayloadImage:          true,
	moe.PayloadJSONBlock:      true,
}

// fencedBlock is one fenced code block located in markdown source.
type fencedBlock struct {
	language string
	content  string // inner text, fences excluded
	raw      string // full block, fences included
	start    int    // byte offset of the opening fence
	end      int    // byte offset just past the closing fence line
}

// promotePayloads lifts fenced ```json blocks and markdown image links out
// of an expert's text into structured payloads with spans, so LLM-backed
// experts participate in preservation without bespoke payload plumbing.
// Promotion is idempotent: payloads whose raw already exists on the result
// are not duplicated.
func promotePayloads(r moe.ExpertResult) moe.ExpertResult {
	src := r.TextOutput
	if src == "" {
		return r
	}

	existing := make(map[string]bool, len(r.StructuredPayloads))
	for _, p := range r.StructuredPayloads {
		existing[p.Raw] = true
	}

	payloads := append([]moe.StructuredPayload(nil), r.StructuredPayloads...)

	for _, b := range fencedBlocks(src) {
		if b.language != "json" || existing[b.raw] || existing[b.content] {
			continue
		}
		span := [2]int{b.start, b.end}
		payloads = append(payloads, moe.StructuredPayload{
			Kind: moe.PayloadJSONBlock,
			Raw:  b.raw,
			Span: &span,
		})
		existing[b.raw] = true
	}

	for _, loc := range markdownImageRe.FindAllStringIndex(src, -1) {
		raw := src[loc[0]:loc[1]]
		if existing[raw] {
			continue
		}
		span := [2]int{loc[0], loc[1]}
		payloads = append(payloads, moe.StructuredPayload{
			Kind: moe.PayloadImage,
			Raw:  raw,
			Span: &span,
		})
		existing[raw] = true
	}

	r.StructuredPayloads = payloads
	return r
}

// redactPreserved splits one result into the text the summarizer may see
// and the payloads preserved verbatim. Payloads with a span are spliced out
// of the text and replaced by a placeholder token; detached payloads get a
// trailing placeholder line. n is the running placeholder counter across
// the whole request, so placeholders are unique and deterministic.
func redactPreserved(r moe.ExpertResult, n *int) (string, []moe.StructuredPayload) {
	var kept []moe.StructuredPayload
	type splice struct {
		span        [2]int
		placeholder string
	}
	var splices []splice
	var trailing []string

	for _, p := range r.StructuredPayloads {
		if !preservedKinds[p.Kind] {
			continue
		}
		*n++
		placeholder := placeholderToken(p.Kind, *n)
		kept = append(kept, p)
		if p.Span != nil && spanValid(*p.Span, len(r.TextOutput)) {
			splices = append(splices, splice{span: *p.Span, placeholder: placeholder})
		} else {
			trailing = append(trailing, placeholder)
		}
	}

	text := r.TextOutput
	if len(splices) > 0 {
		sort.Slice(splices, func(i, j int) bool { return splices[i].span[0] > splices[j].span[0] })
		for _, s := range splices {
			text = text[:s.span[0]] + s.placeholder + text[s.span[1]:]
		}
	}
	if len(trailing) > 0 {
		text = strings.TrimRight(text, "\n")
		if text != "" {
			text += "\n"
		}
		text += strings.Join(trailing, "\n")
	}
	return text, kept
}

func placeholderToken(kind moe.PayloadKind, n int) string {
	return fmt.Sprintf("⟦payload:%s:%d⟧", kind, n)
}

func spanValid(span [2]int, length int) bool {
	return span[0] >= 0 && span[1] > span[0] && span[1] <= length
}

// repairCodeBlocks re-checks the synthesized body against the code blocks
// the experts produced: any block whose content the summarizer dropped or
// whose fence came back broken is appended verbatim, and an unbalanced
// fence count is closed.
func repairCodeBlocks(body string, successful []moe.ExpertResult) string {
	var blocks []fencedBlock
	for _, r := range successful {
		for _, b := range fencedBlocks(r.TextOutput) {
			if b.language != "json" {
				blocks = append(blocks, b)
			}
		}
		for _, p := range r.StructuredPayloads {
			if p.Kind == moe.PayloadCodeBlock && !strings.HasPrefix(p.Raw, "```") {
				blocks = append(blocks, fencedBlock{content: p.Raw, raw: "```\n" + strings.TrimRight(p.Raw, "\n") + "\n```"})
			} else if p.Kind == moe.PayloadCodeBlock {
				blocks = append(blocks, fencedBlock{content: p.Raw, raw: p.Raw})
			}
		}
	}

	if strings.Count(body, "```")%2 != 0 {
		body = strings.TrimRight(body, "\n") + "\n```"
	}

	for _, b := range blocks {
		if strings.Contains(body, strings.TrimSpace(b.content)) || strings.Contains(body, b.raw) {
			continue
		}
		body = strings.TrimRight(body, "\n") + "\n\n" + b.raw
	}
	return body
}

// fencedBlocks parses markdown source and returns every fenced code block
// with its language and full byte span, fences included.
func fencedBlocks(src string) []fencedBlock {
	if !strings.Contains(src, "```") && !strings.Contains(src, "~~~") {
		return nil
	}
	source := []byte(src)
	doc := goldmark.New().Parser().Parse(gtext.NewReader(source))

	var out []fencedBlock
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fcb, ok := n.(*ast.FencedCodeBlock)
		if !ok || fcb.Lines().Len() == 0 {
			return ast.WalkContinue, nil
		}

		contentStart := fcb.Lines().At(0).Start
		contentStop := fcb.Lines().At(fcb.Lines().Len() - 1).Stop

		b := fencedBlock{
			language: string(fcb.Language(source)),
			content:  src[contentStart:contentStop],
			start:    lineStartBefore(src, contentStart),
			end:      lineEndAfter(src, contentStop),
		}
		b.raw = src[b.start:b.end]
		out = append(out, b)
		return ast.WalkContinue, nil
	})
	return out
}

// lineStartBefore returns the byte offset of the start of the line
// preceding pos (the opening fence line).
func lineStartBefore(src string, pos int) int {
	if pos == 0 {
		return 0
	}
	// pos is the first byte after the fence line's newline.
	i := strings.LastIndexByte(src[:pos-1], '\n')
	return i + 1
}

// lineEndAfter returns the byte offset just past the line starting at pos
// (the closing fence line), or len(src) when the block is unterminated.
func lineEndAfter(src string, pos int) int {
	if pos >= len(src) {
		return len(src)
	}
	i := strings.IndexByte(src[pos:], '\n')
	if i < 0 {
		return len(src)
	}
	return pos + i + 1
}
