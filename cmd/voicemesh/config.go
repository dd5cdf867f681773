// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/harmonium-chat/voicemesh/voice"
)

// config is the YAML file shape. Flags mirror every field and win on
// conflict.
type config struct {
	URL         string   `yaml:"url"`
	Channel     string   `yaml:"channel"`
	UserID      string   `yaml:"user_id"`
	DisplayName string   `yaml:"display_name"`
	Token       string   `yaml:"token"`
	STUNServers []string `yaml:"stun_servers"`
	TURN        struct {
		URL        string `yaml:"url"`
		Username   string `yaml:"username"`
		Credential string `yaml:"credential"`
	} `yaml:"turn"`
}

func defaultConfig() config {
	return config{
		STUNServers: []string{"stun:stun.l.google.com:19302"},
	}
}

func (c *config) registerFlags(flags *pflag.FlagSet) {
	flags.StringVar(&c.URL, "url", c.URL, "signaling base URL, e.g. wss://chat.example.net/api/v1")
	flags.StringVar(&c.Channel, "channel", c.Channel, "voice channel id to join")
	flags.StringVar(&c.UserID, "user", c.UserID, "participant id (random if empty)")
	flags.StringVar(&c.DisplayName, "name", c.DisplayName, "display name (defaults to the participant id)")
	flags.StringVar(&c.Token, "token", c.Token, "auth token for the signaling handshake")
	flags.StringSliceVar(&c.STUNServers, "stun", c.STUNServers, "STUN server URLs")
}

// loadConfig reads a YAML file over the defaults.
func loadConfig(path string) (config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("reading config: %w", err)
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// overlayFlags applies every flag the user set explicitly on top of
// the file-derived config.
func (c config) overlayFlags(flags *pflag.FlagSet, flagValues config) config {
	if flags.Changed("url") {
		c.URL = flagValues.URL
	}
	if flags.Changed("channel") {
		c.Channel = flagValues.Channel
	}
	if flags.Changed("user") {
		c.UserID = flagValues.UserID
	}
	if flags.Changed("name") {
		c.DisplayName = flagValues.DisplayName
	}
	if flags.Changed("token") {
		c.Token = flagValues.Token
	}
	if flags.Changed("stun") {
		c.STUNServers = flagValues.STUNServers
	}
	return c
}

func (c config) validate() error {
	switch {
	case c.URL == "":
		return errors.New("--url (or url in the config file) is required")
	case c.Channel == "":
		return errors.New("--channel (or channel in the config file) is required")
	case c.Token == "":
		return errors.New("--token (or token in the config file) is required")
	}
	return nil
}

func (c config) iceConfig() voice.ICEConfig {
	var servers []webrtc.ICEServer
	if len(c.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNServers})
	}
	if c.TURN.URL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{c.TURN.URL},
			Username:   c.TURN.Username,
			Credential: c.TURN.Credential,
		})
	}
	return voice.ICEConfig{Servers: servers}
}
