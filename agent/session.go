package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"collabtext/internal/replica"
	"collabtext/internal/session"
)

const leaveTimeout = 5 * time.Second

// console serializes writes from the prompt and the event printer.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, s)
}

// edit runs the prompt for c until q, end of input, ctx being done or the
// session ending on its own. It always leaves the session.
func edit(ctx context.Context, c *replica.Client, in io.Reader, out io.Writer) error {
	con := &console{w: out}
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for e := range c.Events() {
			if s := describe(e); s != "" {
				con.println(s)
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	err := prompt(ctx, c, lines, con)
	lctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if lerr := c.Leave(lctx); lerr != nil && !errors.Is(lerr, session.ErrSessionClosed) {
		err = errors.Join(err, lerr)
	}
	<-printed
	return err
}

func prompt(ctx context.Context, c *replica.Client, lines <-chan string, con *console) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			op, err := parseOp(line)
			if err != nil {
				con.println("error: " + err.Error())
				continue
			}
			res, err := op.apply(c)
			switch {
			case errors.Is(err, errQuit):
				return nil
			case errors.Is(err, session.ErrSessionClosed):
				return err
			case err != nil:
				con.println("error: " + err.Error())
			case res != "":
				con.println(res)
			}
		}
	}
}

// describe renders an event for the terminal. Cursor moves are left out.
func describe(e session.Event) string {
	switch e := e.(type) {
	case session.StatusChanged:
		return fmt.Sprintf("* %s -> %s (%s)", e.From, e.To, e.Trigger)
	case session.OperationRejected:
		return fmt.Sprintf("* rejected %s: %v", e.Op, e.Reason)
	case session.PeerJoined:
		return fmt.Sprintf("* %s joined", e.User.UserName)
	case session.PeerLeft:
		return fmt.Sprintf("* %s left", e.User.UserName)
	case session.RemoteApplied:
		return fmt.Sprintf("* v%d %s", e.Entry.Version, e.Entry.Op)
	case session.PresenceEvicted:
		return fmt.Sprintf("* %s went away", e.UserID)
	case session.Conflict:
		return fmt.Sprintf("* %d local edits overlapped remote changes: %s", len(e.Ops), e.Reason)
	case session.Failure:
		return fmt.Sprintf("* %v", e.Err)
	}
	return ""
}
