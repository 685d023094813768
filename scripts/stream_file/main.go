// Command stream_file sends an encoded audio file to a running server the way
// a browser MediaRecorder would and prints the final transcript.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/scribe/pkg/transports"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "websocket endpoint")
	chunkBytes := flag.Int("chunk", 4096, "bytes per binary message")
	interval := flag.Duration("interval", 100*time.Millisecond, "delay between chunks; 0 sends as fast as possible")
	timeout := flag.Duration("timeout", 30*time.Second, "how long to wait for the transcript")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Println("usage: stream_file [-url=ws://host/ws] file.webm")
		os.Exit(1)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		fmt.Println("open error:", err)
		os.Exit(1)
	}
	defer f.Close()

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		fmt.Println("dial error:", err)
		os.Exit(1)
	}
	defer conn.Close()

	buf := make([]byte, *chunkBytes)
	sent := 0
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				fmt.Println("write error:", werr)
				os.Exit(1)
			}
			sent += n
			if *interval > 0 {
				time.Sleep(*interval)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Println("read error:", err)
			os.Exit(1)
		}
	}
	end, _ := json.Marshal(transports.Message{Type: transports.MessageEndOfAudio})
	if err := conn.WriteMessage(websocket.TextMessage, end); err != nil {
		fmt.Println("write error:", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "sent %d bytes, waiting for transcript\n", sent)

	_ = conn.SetReadDeadline(time.Now().Add(*timeout))
	for {
		var m transports.Message
		if err := conn.ReadJSON(&m); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				fmt.Fprintln(os.Stderr, "connection closed without transcript")
				return
			}
			fmt.Println("read error:", err)
			os.Exit(1)
		}
		switch m.Type {
		case transports.MessageFinalTranscript:
			fmt.Println(m.Message)
			return
		case transports.MessageError:
			fmt.Println("server error:", m.Message)
			os.Exit(1)
		}
	}
}
