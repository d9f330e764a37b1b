package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/xiaot623/crmweb/internal/adapter/streamclient"
	"github.com/xiaot623/crmweb/internal/domain"
)

// clientFlags are shared by the commands that talk to a running server.
type clientFlags struct {
	server    string
	sessionID string
	raw       bool
}

func (f *clientFlags) register(cmd *cobra.Command, stream bool) {
	server := os.Getenv("CRMWEB_SERVER")
	if server == "" {
		server = defaultServerURL
	}
	cmd.Flags().StringVar(&f.server, "server", server, "server base URL")
	cmd.Flags().StringVarP(&f.sessionID, "session", "s", "", "session id")
	_ = cmd.MarkFlagRequired("session")
	if stream {
		cmd.Flags().BoolVar(&f.raw, "raw", false, "print raw event JSON, one per line")
	}
}

func (f *clientFlags) client() *streamclient.Client {
	return streamclient.NewClient(f.server)
}

// eventPrinter renders a run's events to the terminal. Text deltas are
// written as they arrive; a worker error is kept and returned once the
// stream ends.
type eventPrinter struct {
	out     io.Writer
	errOut  io.Writer
	raw     bool
	midLine bool
	failure string
}

func newEventPrinter(cmd *cobra.Command, raw bool) *eventPrinter {
	return &eventPrinter{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), raw: raw}
}

func (p *eventPrinter) handle(event streamclient.SSEEvent) error {
	if p.raw {
		_, err := fmt.Fprintln(p.out, event.Data)
		return err
	}

	evt, err := streamclient.DecodeEvent(event)
	if err != nil {
		return err
	}
	switch evt.Type {
	case domain.EventTypeTextDelta:
		if evt.Delta != "" {
			p.midLine = true
			_, err = fmt.Fprint(p.out, evt.Delta)
		}
	case domain.EventTypeMessage:
		if evt.Role != domain.RoleUser && evt.Content != "" {
			p.endLine()
			_, err = fmt.Fprintln(p.out, evt.Content)
		}
	case domain.EventTypeToolInputStart, domain.EventTypeToolOutputAvailable:
		p.endLine()
		_, err = fmt.Fprintf(p.errOut, "[%s]\n", evt.Type)
	case domain.EventTypeError:
		p.failure = evt.ErrorText
	}
	return err
}

func (p *eventPrinter) endLine() {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
}

// finish ends the output and reports a worker error, if any.
func (p *eventPrinter) finish(info streamclient.StreamInfo) error {
	p.endLine()
	if p.failure != "" {
		return fmt.Errorf("run %s failed: %s", info.RunID, p.failure)
	}
	return nil
}
