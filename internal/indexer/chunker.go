package indexer

import (
	"context"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"flexicli/internal/budget"
	"flexicli/internal/logging"
	"flexicli/internal/store"
)

// Chunker splits file content into store chunks. Code in a supported
// language is cut along top-level declarations from the syntax tree;
// everything else falls back to fixed line windows. Not safe for
// concurrent use, the indexer pools instances.
type Chunker struct {
	parser   *sitter.Parser
	tok      budget.Tokenizer
	maxLines int
}

func NewChunker(tok budget.Tokenizer, maxLines int) *Chunker {
	if tok == nil {
		tok = budget.NewTokenizer()
	}
	if maxLines <= 0 {
		maxLines = DefaultConfig().MaxChunkLines
	}
	return &Chunker{parser: sitter.NewParser(), tok: tok, maxLines: maxLines}
}

func (c *Chunker) Close() {
	c.parser.Close()
}

func languageFor(ext string) *sitter.Language {
	switch ext {
	case ".go":
		return golang.GetLanguage()
	case ".py":
		return python.GetLanguage()
	case ".rs":
		return rust.GetLanguage()
	case ".js", ".jsx":
		return javascript.GetLanguage()
	case ".ts", ".tsx":
		return typescript.GetLanguage()
	}
	return nil
}

func chunkTypeFor(ext string) string {
	switch ext {
	case ".md", ".rst", ".txt", ".adoc":
		return store.ChunkDoc
	case ".diff", ".patch":
		return store.ChunkDiff
	}
	return store.ChunkCode
}

// ChunkFile produces the chunks for one file. Line numbers are
// 1-based and inclusive.
func (c *Chunker) ChunkFile(ctx context.Context, rel string, content []byte) []store.Chunk {
	if len(content) == 0 {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(rel))
	ctype := chunkTypeFor(ext)

	lines := splitLines(content)
	if lang := languageFor(ext); lang != nil {
		if chunks := c.chunkTree(ctx, rel, lang, content, lines); chunks != nil {
			return chunks
		}
		logging.Get(logging.CategoryIndex).Debug("parse failed for %s, using plain windows", rel)
	}
	return c.chunkPlain(rel, lines, ctype)
}

// chunkTree groups consecutive top-level declarations until the line
// budget is hit. A single declaration larger than the budget is split
// into plain windows over its own span.
func (c *Chunker) chunkTree(ctx context.Context, rel string, lang *sitter.Language, content []byte, lines []string) []store.Chunk {
	c.parser.SetLanguage(lang)
	tree, err := c.parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil
	}
	defer tree.Close()

	root := tree.RootNode()
	chunks := []store.Chunk{}
	runStart, runEnd := -1, -1

	flush := func() {
		if runStart < 0 {
			return
		}
		chunks = append(chunks, c.buildChunk(rel, lines, runStart, runEnd, store.ChunkCode))
		runStart, runEnd = -1, -1
	}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		s, e := int(n.StartPoint().Row), int(n.EndPoint().Row)
		if e >= len(lines) {
			e = len(lines) - 1
		}
		if s > e {
			continue
		}

		if e-s+1 > c.maxLines {
			flush()
			chunks = append(chunks, c.windows(rel, lines, s, e, store.ChunkCode)...)
			continue
		}
		if runStart < 0 {
			runStart, runEnd = s, e
			continue
		}
		if e-runStart+1 > c.maxLines {
			flush()
			runStart, runEnd = s, e
			continue
		}
		runEnd = e
	}
	flush()
	return chunks
}

func (c *Chunker) chunkPlain(rel string, lines []string, ctype string) []store.Chunk {
	if len(lines) == 0 {
		return nil
	}
	return c.windows(rel, lines, 0, len(lines)-1, ctype)
}

// windows cuts [start, end] (0-based) into maxLines-sized chunks.
func (c *Chunker) windows(rel string, lines []string, start, end int, ctype string) []store.Chunk {
	var chunks []store.Chunk
	for s := start; s <= end; s += c.maxLines {
		e := s + c.maxLines - 1
		if e > end {
			e = end
		}
		chunks = append(chunks, c.buildChunk(rel, lines, s, e, ctype))
	}
	return chunks
}

func (c *Chunker) buildChunk(rel string, lines []string, start, end int, ctype string) store.Chunk {
	text := strings.Join(lines[start:end+1], "\n")
	return store.Chunk{
		Path:       rel,
		Content:    text,
		ChunkType:  ctype,
		TokenCount: c.tok.Count(text),
		Hash:       store.ContentHash(text),
		StartLine:  start + 1,
		EndLine:    end + 1,
	}
}

func splitLines(content []byte) []string {
	lines := strings.Split(string(content), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}
