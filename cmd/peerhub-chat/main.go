package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/VanDung-dev/PeerHub-Engine/network"
	"github.com/VanDung-dev/PeerHub-Engine/node"
	"github.com/VanDung-dev/PeerHub-Engine/wire"
)

const chatType = "chat"

func main() {
	addr := flag.String("addr", "127.0.0.1:3300", "Hub address")
	name := flag.String("name", "guest", "Proposed display name")
	token := flag.String("token", "", "Credential for hubs that require one")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger().Level(zerolog.WarnLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := network.DialClient(ctx, *addr, *name, network.WithCredential(*token), network.WithWorkers(2))
	cancel()
	if err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("Could not join")
	}
	defer client.ShutDown()

	fmt.Printf("Joined as %s. Online: %s\n", client.LocalNode().Name(), strings.Join(nameList(client.Nodes()), ", "))

	client.AddMessageListener(network.MessageListenerFunc(func(msg network.Message) {
		if msg.Payload.Type != chatType {
			return
		}
		prefix := ""
		if !msg.IsBroadcast() {
			prefix = "(private) "
		}
		fmt.Printf("%s%s: %s\n", prefix, msg.From.Name(), msg.Payload.Data)
	}))
	client.AddConnectionChangeListener(network.ConnectionChangeFuncs{
		Added:   func(n node.Node) { fmt.Printf("* %s joined\n", n.Name()) },
		Removed: func(n node.Node) { fmt.Printf("* %s left\n", n.Name()) },
	})
	client.AddErrorListener(network.ErrorListenerFunc(func(n node.Node, err error, unsent []wire.Payload) {
		fmt.Printf("* lost connection to %s (%d unsent)\n", n.Name(), len(unsent))
	}))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-quit:
			return
		case line, ok := <-lines:
			if !ok {
				client.Flush()
				return
			}
			if !client.IsConnected() {
				return
			}
			send(client, line)
		}
	}
}

// send broadcasts a line, or whispers it with "/w name text".
func send(client *network.ClientMessenger, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if rest, ok := strings.CutPrefix(line, "/w "); ok {
		target, text, _ := strings.Cut(rest, " ")
		for _, n := range client.Nodes() {
			if strings.EqualFold(n.Name(), target) {
				client.Send(wire.Payload{Type: chatType, Data: []byte(text)}, n)
				return
			}
		}
		fmt.Printf("* no such node: %s\n", target)
		return
	}
	if line == "/who" {
		fmt.Println(strings.Join(nameList(client.Nodes()), ", "))
		return
	}
	client.Broadcast(wire.Payload{Type: chatType, Data: []byte(line)})
}

func nameList(nodes []node.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name()
	}
	return out
}
