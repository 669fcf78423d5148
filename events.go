// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
)

// eventMessage is a log/update event delivered by the Arvados
// websocket service.
type eventMessage struct {
	Status     int
	ObjectUUID string `json:"object_uuid"`
	EventType  string `json:"event_type"`
	Properties struct {
		Text string
	}
}

// containerEventTypes are the event types relayed to subscribers.
var containerEventTypes = []string{"stderr", "crunch-run", "crunchstat", "update"}

// arvadosClient fans out websocket events to channels subscribed to
// individual object UUIDs. The connection is opened by the first
// Subscribe call and re-established until Close is called.
type arvadosClient struct {
	*arvados.Client
	// websocketURL, if set, is used instead of the websocket URL
	// advertised in the cluster config.
	websocketURL string

	notifying map[string]map[chan<- eventMessage]int
	wantClose chan struct{}
	wsconn    *websocket.Conn
	mtx       sync.Mutex
	sendMtx   sync.Mutex
}

func subscription(method, uuid string) map[string]interface{} {
	return map[string]interface{}{
		"method": method,
		"filters": [][]interface{}{
			{"object_uuid", "=", uuid},
			{"event_type", "in", containerEventTypes},
		},
	}
}

// Subscribe starts sending events about uuid to ch.
func (client *arvadosClient) Subscribe(ch chan<- eventMessage, uuid string) {
	client.mtx.Lock()
	defer client.mtx.Unlock()
	if client.notifying == nil {
		client.notifying = map[string]map[chan<- eventMessage]int{}
		client.wantClose = make(chan struct{})
		go client.runNotifier()
	}
	chmap := client.notifying[uuid]
	if chmap == nil {
		chmap = map[chan<- eventMessage]int{}
		client.notifying[uuid] = chmap
	}
	needSub := len(chmap) == 0
	chmap[ch]++
	if needSub && client.wsconn != nil {
		client.send(client.wsconn, subscription("subscribe", uuid))
	}
}

// Unsubscribe undoes one earlier Subscribe(ch, uuid) call.
func (client *arvadosClient) Unsubscribe(ch chan<- eventMessage, uuid string) {
	client.mtx.Lock()
	defer client.mtx.Unlock()
	chmap := client.notifying[uuid]
	if n := chmap[ch] - 1; n > 0 {
		chmap[ch] = n
		return
	}
	delete(chmap, ch)
	if len(chmap) == 0 {
		delete(client.notifying, uuid)
		if client.wsconn != nil {
			client.send(client.wsconn, subscription("unsubscribe", uuid))
		}
	}
}

// Close stops the notifier and closes the websocket connection.
func (client *arvadosClient) Close() {
	client.mtx.Lock()
	defer client.mtx.Unlock()
	if client.notifying == nil {
		return
	}
	client.notifying = nil
	close(client.wantClose)
	if client.wsconn != nil {
		client.wsconn.Close()
	}
}

// send writes msgs to conn in the background. Caller must hold mtx.
func (client *arvadosClient) send(conn *websocket.Conn, msgs ...interface{}) {
	go func() {
		client.sendMtx.Lock()
		defer client.sendMtx.Unlock()
		enc := json.NewEncoder(conn)
		for _, msg := range msgs {
			if err := enc.Encode(msg); err != nil {
				log.Warnf("websocket: error sending %v: %s", msg, err)
				return
			}
		}
	}()
}

func (client *arvadosClient) runNotifier() {
	client.mtx.Lock()
	wantClose := client.wantClose
	client.mtx.Unlock()
	for {
		conn, err := client.dial()
		if err != nil {
			log.Warnf("websocket: %s", err)
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-wantClose:
				return
			}
		}

		client.mtx.Lock()
		select {
		case <-wantClose:
			client.mtx.Unlock()
			conn.Close()
			return
		default:
		}
		client.wsconn = conn
		var resub []interface{}
		for uuid := range client.notifying {
			resub = append(resub, subscription("subscribe", uuid))
		}
		if len(resub) > 0 {
			client.send(conn, resub...)
		}
		client.mtx.Unlock()

		err = client.receive(conn, wantClose)

		client.mtx.Lock()
		client.wsconn = nil
		client.mtx.Unlock()
		conn.Close()
		select {
		case <-wantClose:
			return
		default:
			log.Warnf("websocket: %s; reconnecting", err)
		}
	}
}

func (client *arvadosClient) receive(conn *websocket.Conn, wantClose <-chan struct{}) error {
	dec := json.NewDecoder(conn)
	for {
		var msg eventMessage
		if err := dec.Decode(&msg); err != nil {
			return err
		}
		client.mtx.Lock()
		for ch := range client.notifying[msg.ObjectUUID] {
			go func(ch chan<- eventMessage) {
				select {
				case ch <- msg:
				case <-wantClose:
				}
			}(ch)
		}
		client.mtx.Unlock()
	}
}

func (client *arvadosClient) dial() (*websocket.Conn, error) {
	wsURL, origin := client.websocketURL, "http://localhost/"
	if wsURL == "" {
		var cluster arvados.Cluster
		err := client.RequestAndDecode(&cluster, "GET", arvados.EndpointConfigGet.Path, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("get cluster config: %w", err)
		}
		u := cluster.Services.Websocket.ExternalURL
		u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
		u.Path = "/websocket"
		wsURL = u.String()
		origin = cluster.Services.Controller.ExternalURL.String()
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("api_token", client.AuthToken)
	u.RawQuery = q.Encode()
	conn, err := websocket.Dial(u.String(), "", origin)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	log.Printf("connected to websocket at %s", wsURL)
	return conn, nil
}
