// ws_bridge runs a stdio ACP agent behind a WebSocket endpoint. One agent
// subprocess is started per connection; raw newline-delimited JSON-RPC
// frames are forwarded in both directions unchanged, and agent stderr is
// mirrored to the bridge log. The upgrade negotiates the ACP subprotocol
// token so clients can verify the dialect.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"

	"github.com/gorilla/websocket"

	"github.com/m4xw311/acpc/acp"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return true },
	Subprotocols: []string{acp.Subprotocol},
}

func main() {
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	agentCmd := flag.Args()
	if len(agentCmd) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ws_bridge [-addr :8080] <agent-command> [args...]")
		os.Exit(1)
	}

	http.HandleFunc("/ws", handleWS(agentCmd))
	fmt.Printf("WebSocket server running on ws://%s/ws\n", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

func handleWS(cmdArgs []string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("Upgrade error:", err)
			return
		}
		defer conn.Close()

		cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			log.Println("Error getting stdin:", err)
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			log.Println("Error getting stdout:", err)
			return
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			log.Println("Error getting stderr:", err)
			return
		}

		if err := cmd.Start(); err != nil {
			log.Println("Error starting agent:", err)
			return
		}
		defer func() {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}()

		// Pipe agent stdout frames → WebSocket, one text frame per line
		go func() {
			scanner := bufio.NewScanner(stdout)
			// Frames can be large; the default scanner limit is too small.
			scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
			for scanner.Scan() {
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
					log.Println("WS write error:", err)
					return
				}
			}
		}()

		// Mirror agent stderr to the bridge log
		go func() {
			scanner := bufio.NewScanner(stderr)
			for scanner.Scan() {
				log.Printf("agent: %s", scanner.Text())
			}
		}()

		// Pipe WebSocket frames → agent stdin, newline-delimited
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Println("WS read error:", err)
				return
			}
			if _, err := stdin.Write(append(msg, '\n')); err != nil {
				log.Println("Stdin write error:", err)
				return
			}
		}
	}
}
