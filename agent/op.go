package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"collabtext/internal/replica"
)

var errQuit = errors.New("quit")

// Op is one command typed at the agent prompt:
//
//	i POS TEXT   insert TEXT (Go-quoted or verbatim) at POS
//	d POS LEN    delete LEN characters at POS
//	c POS        move the cursor
//	u            undo the last local edit
//	p            print the document
//	w            list the users in the room
//	q            leave
type Op struct {
	Action string
	Text   string
	Index  int
	Length int
}

func parseOp(line string) (Op, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Op{}, errors.New("empty command")
	}
	action, rest, _ := strings.Cut(line, " ")
	op := Op{Action: action}
	var err error
	switch action {
	case "i":
		pos, text, ok := strings.Cut(rest, " ")
		if !ok || text == "" {
			return Op{}, errors.New("usage: i POS TEXT")
		}
		if op.Index, err = strconv.Atoi(pos); err != nil {
			return Op{}, fmt.Errorf("bad position %q", pos)
		}
		op.Text = text
		if strings.HasPrefix(text, `"`) {
			if op.Text, err = strconv.Unquote(text); err != nil {
				return Op{}, fmt.Errorf("bad quoted text: %w", err)
			}
		}
	case "d":
		f := strings.Fields(rest)
		if len(f) != 2 {
			return Op{}, errors.New("usage: d POS LEN")
		}
		if op.Index, err = strconv.Atoi(f[0]); err != nil {
			return Op{}, fmt.Errorf("bad position %q", f[0])
		}
		if op.Length, err = strconv.Atoi(f[1]); err != nil {
			return Op{}, fmt.Errorf("bad length %q", f[1])
		}
	case "c":
		if op.Index, err = strconv.Atoi(strings.TrimSpace(rest)); err != nil {
			return Op{}, errors.New("usage: c POS")
		}
	case "u", "p", "w", "q":
		if strings.TrimSpace(rest) != "" {
			return Op{}, fmt.Errorf("%s takes no arguments", action)
		}
	default:
		return Op{}, fmt.Errorf("unknown command %q", action)
	}
	return op, nil
}

// apply runs op against c and returns what to print, if anything. It
// returns errQuit for q.
func (op Op) apply(c *replica.Client) (string, error) {
	switch op.Action {
	case "i":
		return "", c.Insert(op.Index, op.Text)
	case "d":
		return "", c.Delete(op.Index, op.Length)
	case "c":
		return "", c.UpdateCursor(op.Index, nil, nil)
	case "u":
		return "", c.Undo()
	case "p":
		text, err := c.Text()
		if err != nil {
			return "", err
		}
		return strconv.Quote(text), nil
	case "w":
		users, err := c.Users()
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, u := range users {
			state := "idle"
			if u.IsActive {
				state = "active"
			}
			fmt.Fprintf(&b, "%s %s cursor=%d %s\n", u.UserName, u.Color, u.CursorPosition, state)
		}
		return strings.TrimSuffix(b.String(), "\n"), nil
	case "q":
		return "", errQuit
	}
	return "", fmt.Errorf("unknown command %q", op.Action)
}
