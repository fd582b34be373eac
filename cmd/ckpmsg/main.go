// cmd/ckpmsg is an interactive REPL that sends one framed control-plane
// message per line to a running ckpool instance's control ("listener") socket and prints
// its reply, the Go counterpart to the original ckpmsg auxiliary binary.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/peterh/liner"
	"gopkg.in/urfave/cli.v1"

	"github.com/ckpool-go/ckpool/internal/fabric"
)

const (
	defaultSockname = "listener"
	recvTimeout     = 5 * time.Second
)

var (
	errColor   = color.New(color.FgRed)
	replyColor = color.New(color.FgGreen)
	debugColor = color.New(color.FgCyan)
)

func main() {
	app := cli.NewApp()
	app.Name = "ckpmsg"
	app.Usage = "send control-plane messages to a running ckpool instance"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "n", Usage: "instance name"},
		cli.StringFlag{Name: "N", Usage: "socket name", Value: defaultSockname},
		cli.StringFlag{Name: "s", Usage: "socket directory", Value: "/tmp/ckpool"},
		cli.BoolFlag{Name: "c", Usage: "show a running message counter"},
		cli.BoolFlag{Name: "p", Usage: "talk to a proxy instance"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	name := ctx.String("n")
	if name == "" {
		if ctx.Bool("p") {
			name = "ckproxy"
		} else {
			name = "ckpool"
		}
	}
	sockPath := filepath.Join(ctx.String("s"), name, ctx.String("N"))
	showCounter := ctx.Bool("c")

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	histPath := filepath.Join(os.TempDir(), ".ckpmsg_history")
	if f, err := os.Open(histPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	count := 0
	for {
		input, err := line.Prompt("ckpmsg> ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ckpmsg: %w", err)
		}

		msg := strings.TrimSpace(input)
		if msg == "" {
			errColor.Println("No message")
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(msg, "#") {
			debugColor.Println("Got comment:", msg)
			continue
		}

		reply, err := sendMessage(sockPath, msg)
		if err != nil {
			errColor.Println(err)
			continue
		}
		replyColor.Println(reply)

		if showCounter {
			count++
			if count%100 == 0 {
				fmt.Printf("%8d\r", count)
			}
		}
	}
}

// sendMessage opens a fresh connection per request, matching the
// original implementation's one-socket-per-message discipline rather
// than holding a single connection open across the whole REPL session.
func sendMessage(sockPath, msg string) (string, error) {
	conn, err := fabric.Dial(sockPath)
	if err != nil {
		return "", fmt.Errorf("failed to open socket: %s", sockPath)
	}
	defer conn.Close()

	if err := fabric.WriteFrame(conn, []byte(msg)); err != nil {
		return "", fmt.Errorf("failed to send message: %s", msg)
	}

	conn.SetReadDeadline(time.Now().Add(recvTimeout))
	body, err := fabric.ReadFrame(conn)
	if err != nil {
		return "", fmt.Errorf("received empty reply: %w", err)
	}
	return string(body), nil
}
