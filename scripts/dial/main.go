// Command dial places an outbound Twilio call whose audio is streamed back to
// the server for transcription.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/harunnryd/scribe/pkg/configutil"
	"github.com/harunnryd/scribe/pkg/scribe"
	"github.com/harunnryd/scribe/pkg/transports/twilio"
)

func main() {
	configPath := flag.String("config", "config.example.yaml", "")
	from := flag.String("from", "", "")
	to := flag.String("to", "", "")
	voiceURL := flag.String("voice_url", "", "overrides the configured voice webhook")
	sendDigits := flag.String("send_digits", "", "")
	flag.Parse()
	if *from == "" || *to == "" {
		fmt.Println("usage: dial -from=+123 -to=+456 [-config=...]")
		os.Exit(1)
	}
	_ = godotenv.Load()

	cfg, err := scribe.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	var tcfg twilio.Config
	if err := configutil.DecodeSettings(cfg.Transports.Twilio.Settings, &tcfg); err != nil {
		fmt.Println("settings error:", err)
		os.Exit(1)
	}
	if tcfg.PublicURL == "" && *voiceURL == "" {
		fmt.Println("transports.twilio.settings.public_url is empty")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	callSID, err := twilio.NewDialer(tcfg).Dial(ctx, *to, *from, *voiceURL, twilio.DialOptions{SendDigits: *sendDigits})
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}
