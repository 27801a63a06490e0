package stokerjob

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/clock"
)

// echoMachine interprets a small line-oriented script, one statement per
// line. It exists to exercise the scheduler end to end without touching any
// real system:
//
//	ECHO Hello world!   # write a line to the job output
//	SLEEP 50            # pause for 50 seconds
//	RETURN 7            # stop and report exit code 7
//
// Statement verbs are case-insensitive, '#' starts a comment and blank
// lines are skipped. The whole script is parsed before anything runs, so a
// syntax error on the last line produces no output at all.
type echoMachine struct {
	clock clock.Clock
}

type echoVerb int

const (
	echoPrint echoVerb = iota
	echoSleep
	echoReturn
)

type echoStatement struct {
	verb echoVerb
	// ECHO text.
	text string
	// SLEEP duration.
	pause time.Duration
	// RETURN code.
	code int64
}

func (m *echoMachine) Run(ctx context.Context, params string, out io.Writer) (int64, error) {
	statements, err := parseEchoScript(params)
	if err != nil {
		return 0, err
	}
	for _, statement := range statements {
		switch statement.verb {
		case echoPrint:
			fmt.Fprintln(out, statement.text)
		case echoSleep:
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-m.clock.After(statement.pause):
			}
		case echoReturn:
			return statement.code, nil
		}
	}
	return 0, nil
}

func parseEchoScript(params string) ([]echoStatement, error) {
	var statements []echoStatement
	for index, line := range strings.Split(params, "\n") {
		fields := strings.Fields(strings.SplitN(line, "#", 2)[0])
		if len(fields) == 0 {
			continue
		}

		switch strings.ToLower(fields[0]) {
		case "echo":
			if len(fields) < 2 {
				return nil, errors.Errorf("wrong number of arguments in ECHO statement at line %d", index+1)
			}
			statements = append(statements, echoStatement{
				verb: echoPrint,
				text: strings.Join(fields[1:], " "),
			})

		case "sleep":
			if len(fields) != 2 {
				return nil, errors.Errorf("wrong number of arguments in SLEEP statement at line %d", index+1)
			}
			seconds, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return nil, errors.Errorf("SLEEP argument must be a number at line %d", index+1)
			}
			statements = append(statements, echoStatement{
				verb:  echoSleep,
				pause: time.Duration(seconds) * time.Second,
			})

		case "return":
			if len(fields) != 2 {
				return nil, errors.Errorf("wrong number of arguments in RETURN statement at line %d", index+1)
			}
			code, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return nil, errors.Errorf("RETURN argument must be a number at line %d", index+1)
			}
			statements = append(statements, echoStatement{
				verb: echoReturn,
				code: code,
			})

		default:
			return nil, errors.Errorf("invalid statement %q at line %d", fields[0], index+1)
		}
	}
	return statements, nil
}
