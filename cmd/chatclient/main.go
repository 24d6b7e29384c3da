// Command chatclient is a terminal chat client, useful for poking at a
// running server and for soak-testing the reconnection behavior.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/anonychat/anonychat/internal/client"
)

func main() {
	url := "ws://localhost:8080/ws"
	if v := os.Getenv("SERVER_URL"); v != "" {
		url = v
	}

	config := client.DefaultConfig(url)
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.HeartbeatInterval = d
		}
	}

	c := client.New(config)
	defer c.Close()

	fmt.Printf("connecting to %s\n", url)
	fmt.Println("commands: /status, /new (next stranger), /quit")
	c.Connect()

	go printLoop(c)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue

		case line == "/quit":
			return

		case line == "/new":
			c.Reconnect()
			time.Sleep(200 * time.Millisecond)
			c.Connect()

		case line == "/status":
			fmt.Printf("[%s] online=%d you=%s\n",
				c.Status(), c.Chat().OnlineCount(), c.Chat().UserID())

		default:
			if _, err := c.SendText(line); err != nil {
				log.Printf("send failed: %v", err)
			}
		}
	}
}

// printLoop renders chat log entries and typing indicator changes as they
// appear.
func printLoop(c *client.Client) {
	printed := 0
	typingShown := false

	for {
		time.Sleep(200 * time.Millisecond)

		msgs := c.Chat().Messages()
		for ; printed < len(msgs); printed++ {
			m := msgs[printed]
			switch {
			case m.System != "":
				fmt.Println(m.System)
			case m.Mine:
				fmt.Printf("you: %s\n", m.Data)
			default:
				fmt.Printf("stranger: %s\n", m.Data)
			}
		}

		if typing := c.Chat().Typing(); typing != typingShown {
			typingShown = typing
			if typing {
				fmt.Println("stranger is typing…")
			}
		}
	}
}
