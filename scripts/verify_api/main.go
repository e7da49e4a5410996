package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/mahaj/dupahar-dm/pkg/logger"
)

type loginResponse struct {
	Token string `json:"token"`
}

func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	user := flag.String("user", "test_user", "user to log in as")
	peer := flag.String("peer", "test_peer", "counterpart whose history is fetched")
	flag.Parse()

	log := logger.New("development", "verify_api")

	// 1. Login
	reqBody, _ := json.Marshal(map[string]string{"userId": *user})
	resp, err := http.Post(*apiAddr+"/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		log.Fatal().Err(err).Msg("login request failed")
	}
	var login loginResponse
	err = json.NewDecoder(resp.Body).Decode(&login)
	resp.Body.Close()
	if err != nil || login.Token == "" {
		log.Fatal().Err(err).Int("status", resp.StatusCode).Msg("login failed")
	}
	fmt.Printf("Token: %s...\n", login.Token[:10])

	// 2. Exercise the authenticated endpoints.
	ok := true
	for _, path := range []string{
		"/messages/" + *peer,
		"/conversations",
		"/presence/" + *peer,
		"/stats",
		"/health",
	} {
		req, _ := http.NewRequest(http.MethodGet, *apiAddr+path, nil)
		req.Header.Set("Authorization", "Bearer "+login.Token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("request failed")
			ok = false
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		log.Info().Str("path", path).Int("status", resp.StatusCode).
			Str("remaining", resp.Header.Get("X-RateLimit-Remaining")).
			Msg(string(bytes.TrimSpace(body)))
		if resp.StatusCode >= 300 {
			ok = false
		}
	}
	if !ok {
		os.Exit(1)
	}
}
