// screentests drives the status display from typed commands so the layout can be checked
// without a robot.  Commands: estop, hold, turn, start, up, down, quit.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/tigerbot-team/tigerbot/opspanel/pkg/safety"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/screen"
)

func main() {
	cfg := screen.DefaultConfig()
	flag.StringVar(&cfg.Device, "device", cfg.Device, "framebuffer device; empty for none")
	flag.StringVar(&cfg.PNG, "png", "screen.png", "also save each frame here")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := safety.NewStore(safety.Limits{Min: 0, Max: 20})
	scr := screen.New(cfg, store, nil, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		scr.Run(ctx)
	}()

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println("\nFailed to read stdin: ", err)
			break
		}
		cmd := strings.TrimSpace(line)
		if cmd == "quit" {
			break
		}
		_, after := store.Mutate(func(s safety.State) safety.State {
			switch cmd {
			case "estop":
				s.EstopActive = !s.EstopActive
			case "hold":
				s.DeadManArmed = !s.DeadManArmed
			case "turn":
				if s.Turn == safety.TurnOperator {
					s.Turn = safety.TurnRemote
				} else {
					s.Turn = safety.TurnOperator
				}
			case "start":
				s.Started = true
			case "up":
				s.Difficulty++
			case "down":
				s.Difficulty--
			default:
				fmt.Println("Unknown command:", cmd)
			}
			return s
		})
		fmt.Println(after)
	}
	cancel()
	<-done
}
