package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mahaj/dupahar-dm/pkg/client"
	"github.com/mahaj/dupahar-dm/pkg/logger"
	"github.com/mahaj/dupahar-dm/pkg/model"
)

func login(apiAddr, userID, displayName string) (string, error) {
	reqBody, _ := json.Marshal(map[string]string{"userId": userID, "displayName": displayName})
	resp, err := http.Post(apiAddr+"/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("login failed: %s", string(body))
	}

	var loginResp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return "", err
	}
	return loginResp.Token, nil
}

func history(apiAddr, token, peer string) ([]model.Message, error) {
	req, err := http.NewRequest(http.MethodGet, apiAddr+"/messages/"+url.PathEscape(peer)+"?limit=20", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history: %s", resp.Status)
	}
	var msgs []model.Message
	err = json.NewDecoder(resp.Body).Decode(&msgs)
	return msgs, err
}

func main() {
	gatewayAddr := flag.String("addr", "localhost:8080", "gateway service address")
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	userID := flag.String("user", "user1", "user id")
	name := flag.String("name", "", "display name")
	dmUser := flag.String("dm", "", "user id to open a conversation with")
	flag.Parse()

	log := logger.New("development", "client")

	token, err := login(*apiAddr, *userID, *name)
	if err != nil {
		log.Fatal().Err(err).Msg("login failed")
	}

	u := url.URL{Scheme: "ws", Host: *gatewayAddr, Path: "/ws"}
	transport := &client.WebsocketTransport{URL: u.String(), Token: token}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rooms *client.Rooms
	session := client.NewSession(transport, client.Options{UserID: *userID, Logger: log}, client.Handler{
		OnState: func(s client.State) {
			log.Debug().Str("state", s.String()).Msg("session")
		},
		OnReconnect: func(attempt int, delay time.Duration) {
			fmt.Printf("* connection lost, retrying in %s (attempt %d)\n", delay.Round(time.Millisecond), attempt)
		},
		OnReady: func() {
			fmt.Println("* connected")
			go func() {
				if err := rooms.Rejoin(ctx); err != nil {
					fmt.Println("*", err)
				}
			}()
		},
		OnEvent: func(env model.Envelope) {
			switch env.Event {
			case model.EventJoinedConversation:
				rooms.HandleEvent(env)
				fmt.Printf("* opened %s\n", rooms.Current())
			case model.EventReceiveMessage:
				var p model.ReceivePayload
				if env.Decode(&p) == nil && rooms.Accept(p) {
					fmt.Printf("[%s] %s: %s\n", p.CreatedAt.Local().Format("15:04:05"), p.Sender, p.Text)
				}
			case model.EventRevalidateConversations:
				var p model.RevalidatePayload
				env.Decode(&p)
				fmt.Printf("* conversation list changed (with %s)\n", p.With)
			case model.EventError:
				var p model.ErrorPayload
				env.Decode(&p)
				fmt.Printf("! %s: %s\n", p.Code, p.Message)
			}
		},
	})
	rooms = client.NewRooms(session, client.RoomOptions{Logger: log})
	session.Start()
	defer session.Close()

	peer := *dmUser
	open := func(p string) {
		if msgs, err := history(*apiAddr, token, p); err == nil {
			for _, m := range msgs {
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.Sender, m.Text)
			}
		}
		if err := rooms.Join(ctx, p); err != nil {
			fmt.Println("!", err)
		}
	}
	if peer != "" {
		go open(peer)
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Println("commands: /dm <user>, /leave, /quit; anything else is sent to the open conversation")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return
			case line == "/leave":
				rooms.Leave(ctx)
				peer = ""
			case strings.HasPrefix(line, "/dm "):
				peer = strings.TrimSpace(strings.TrimPrefix(line, "/dm "))
				go open(peer)
			case peer == "":
				fmt.Println("! open a conversation first with /dm <user>")
			default:
				err := session.Send(ctx, model.EventSendMessage, model.SendMessagePayload{To: peer, Text: line})
				if errors.Is(err, client.ErrNotReady) {
					fmt.Println("! not connected, message not sent")
				} else if err != nil {
					fmt.Println("!", err)
				}
			}
		}
	}
}
