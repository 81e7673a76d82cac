package cli

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
)

// gatePrompter forwards pending gates of foreground runs to the command.
type gatePrompter struct {
	pending chan domain.PendingApproval
}

func newGatePrompter() *gatePrompter {
	return &gatePrompter{pending: make(chan domain.PendingApproval, 4)}
}

func (g *gatePrompter) GatePending(_ context.Context, p domain.PendingApproval) error {
	select {
	case g.pending <- p:
	default:
	}
	return nil
}

func (g *gatePrompter) GateResolved(context.Context, domain.PendingApproval, domain.Signal) error {
	return nil
}

// canPrompt reports whether answers can be read from in. Files must be
// terminals; any other reader is accepted.
func canPrompt(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok {
		return in != nil
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// readLine reads one trimmed line without buffering past it.
func readLine(in io.Reader) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				return strings.TrimSpace(sb.String()), nil
			}
			sb.WriteByte(buf[0])
		}
		if err != nil {
			return strings.TrimSpace(sb.String()), err
		}
	}
}
