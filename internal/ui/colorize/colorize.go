package colorize

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"golang.org/x/term"
)

var (
	ttyOnce sync.Once
	isTTY   bool
)

// getAssemblyLexer returns an x86 assembly lexer with fallbacks
func getAssemblyLexer() chroma.Lexer {
	for _, name := range []string{"nasm", "gas", "GAS"} {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// getDisasmStyle returns the disassembly style with fallbacks
func getDisasmStyle() *chroma.Style {
	for _, name := range []string{"disasm-x86", "dracula", "monokai"} {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

func getTerminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// IsDisabled returns true if colors are disabled via environment or stdout
// is not a terminal.
func IsDisabled() bool {
	if os.Getenv("XRECOMP_NO_COLOR") != "" || os.Getenv("NO_COLOR") != "" {
		return true
	}
	ttyOnce.Do(func() {
		isTTY = term.IsTerminal(int(os.Stdout.Fd()))
	})
	return !isTTY
}

// Instruction colorizes an x86 instruction in Intel syntax using Chroma
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}

	lexer := getAssemblyLexer()
	if lexer == nil {
		return insn
	}

	_ = DisasmX86
	style := getDisasmStyle()
	formatter := getTerminalFormatter()

	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}

	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return insn
	}

	return strings.TrimSuffix(buf.String(), "\n")
}

func paint(r, g, b int, s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Address formats a logical address in yellow
func Address(addr uint32) string {
	return paint(255, 200, 0, fmt.Sprintf("%08X", addr))
}

// Tag formats a hashtag in light pink
func Tag(tag string) string {
	return paint(255, 180, 200, tag)
}

// FuncName formats a routine name in yellow
func FuncName(name string) string {
	return paint(255, 200, 0, name)
}

// Detail formats detail text in light gray
func Detail(detail string) string {
	return paint(180, 180, 180, detail)
}

// Border formats border characters in dark gray
func Border(s string) string {
	return paint(80, 80, 80, s)
}

// Header formats header text in blue
func Header(s string) string {
	return paint(86, 156, 214, s)
}

// HexBytes formats hex opcode bytes in light gray
func HexBytes(s string) string {
	return paint(180, 180, 180, s)
}

// Error formats error messages in pink
func Error(s string) string {
	return paint(255, 128, 192, s)
}

// Kind formats a thunk kind: data exports in cyan, functions in white,
// unresolved in red.
func Kind(s string) string {
	switch s {
	case "data":
		return paint(135, 206, 235, s)
	case "function":
		return paint(255, 255, 255, s)
	default:
		return paint(255, 80, 80, s)
	}
}
