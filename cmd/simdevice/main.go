// Command simdevice is a developer-only CLI that plays the part of a phone:
// it captures a local microphone and speaker through malgo, dials a
// running runtime's webhook and media-stream endpoints directly (no
// carrier involved), and lets a developer talk to a tenant's assistant
// from a laptop. It has no place in the server process itself, which never
// touches a local sound card.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"

	"github.com/lokutor-ai/voicecall-runtime/pkg/audio"
)

const sampleRate = 8000

type mediaEnvelope struct {
	Event string `json:"event"`
	Media struct {
		Payload string `json:"payload"`
		Track   string `json:"track,omitempty"`
	} `json:"media,omitempty"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("note: no .env file found, using system environment variables")
	}

	server := flag.String("server", "http://localhost:8080", "runtime base URL (http scheme; ws is derived automatically)")
	to := flag.String("to", "", "dialed number to simulate (E.164, must match a tenant's dialed_numbers)")
	from := flag.String("from", "+15550001111", "simulated caller id (E.164)")
	callControlID := flag.String("call-id", "", "call control id to simulate (defaults to a generated one)")
	token := flag.String("token", os.Getenv("MEDIA_STREAM_TOKEN"), "media-stream bearer token")
	record := flag.String("record", "", "if set, write the call's received audio as a WAV file in this directory on hangup")
	flag.Parse()

	if *to == "" {
		log.Fatal("error: -to is required")
	}
	if *token == "" {
		log.Fatal("error: -token is required (or set MEDIA_STREAM_TOKEN)")
	}

	callID := *callControlID
	if callID == "" {
		callID = fmt.Sprintf("simdevice-%d", time.Now().Unix())
	}

	if err := postWebhook(*server, "call.answered", callID, *from, *to); err != nil {
		log.Fatalf("call.answered webhook failed: %v", err)
	}
	fmt.Printf("sent call.answered for call_control_id=%s\n", callID)

	conn, err := dialMediaStream(*server, callID, *token)
	if err != nil {
		log.Fatalf("media stream dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "simdevice exiting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var playbackMu sync.Mutex
	var playbackBytes []byte
	var recordedBytes []byte

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = sampleRate
	deviceConfig.Alsa.NoMMap = 1

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			// Captured mic audio is sent as raw linear PCM16, not the
			// mu-law a real carrier would send; there is no mu-law encoder
			// available to this tool, so inbound transcription will not
			// work through this path. simdevice is for exercising
			// connection lifecycle and outbound playback, not full duplex
			// voice testing.
			frame := make([]byte, len(pInput))
			copy(frame, pInput)
			go sendMediaFrame(ctx, conn, frame)
		}
		if pOutput != nil {
			playbackMu.Lock()
			n := copy(pOutput, playbackBytes)
			playbackBytes = playbackBytes[n:]
			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0
			}
			playbackMu.Unlock()
		}
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		log.Fatal(err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatal(err)
	}

	go func() {
		for {
			var env mediaEnvelope
			if err := wsjson.Read(ctx, conn, &env); err != nil {
				fmt.Println("media stream closed:", err)
				cancel()
				return
			}
			if env.Event != "media" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(env.Media.Payload)
			if err != nil {
				continue
			}
			playbackMu.Lock()
			playbackBytes = append(playbackBytes, raw...)
			if *record != "" {
				recordedBytes = append(recordedBytes, raw...)
			}
			playbackMu.Unlock()
		}
	}()

	fmt.Println("connected. speak into the microphone; press Ctrl+C to hang up.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	_ = postWebhook(*server, "call.hangup", callID, *from, *to)

	if *record != "" {
		playbackMu.Lock()
		wav := audio.EncodeWAV(recordedBytes, sampleRate)
		playbackMu.Unlock()
		path := filepath.Join(*record, audio.RecordingFilename(*to, callID, time.Now()))
		if err := os.WriteFile(path, wav, 0o644); err != nil {
			fmt.Println("failed to write recording:", err)
		} else {
			fmt.Println("wrote recording to", path)
		}
	}

	fmt.Println("\nhung up.")
}

func sendMediaFrame(ctx context.Context, conn *websocket.Conn, frame []byte) {
	var env mediaEnvelope
	env.Event = "media"
	env.Media.Payload = base64.StdEncoding.EncodeToString(frame)
	env.Media.Track = "inbound"
	_ = wsjson.Write(ctx, conn, env)
}

func postWebhook(server, eventType, callControlID, from, to string) error {
	body, err := json.Marshal(map[string]string{
		"event_type":      eventType,
		"call_control_id": callControlID,
		"from":            from,
		"to":              to,
	})
	if err != nil {
		return err
	}

	resp, err := http.Post(server+"/webhook", "application/json", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func dialMediaStream(server, callControlID, token string) (*websocket.Conn, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/media-stream/" + callControlID
	u.RawQuery = "token=" + token

	conn, _, err := websocket.Dial(context.Background(), u.String(), nil)
	return conn, err
}
