package net

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTDialer connects to an MQTT broker over TLS. Each Dial produces a
// clean session with reconnects disabled; a dropped connection is a failed
// attempt, not something to paper over.
type MQTTDialer struct {
	// Broker is a URL such as tls://broker.example:8883.
	Broker string
	// QoS must be 1 or 2. Zero means 1.
	QoS       byte
	KeepAlive time.Duration
}

func (d *MQTTDialer) qos() (byte, error) {
	switch d.QoS {
	case 0:
		return 1, nil
	case 1, 2:
		return d.QoS, nil
	default:
		return 0, fmt.Errorf("unsupported MQTT QoS %d", d.QoS)
	}
}

func (d *MQTTDialer) Dial(ctx context.Context, clientID string, tlsCfg *tls.Config) (Session, error) {
	qos, err := d.qos()
	if err != nil {
		return nil, err
	}

	connectTimeout := DefaultConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		connectTimeout = time.Until(deadline)
		if connectTimeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}
	keepAlive := d.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(d.Broker).
		SetClientID(clientID).
		SetTLSConfig(tlsCfg).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	if !client.IsConnectionOpen() {
		return nil, errors.New("broker closed the connection")
	}
	return &mqttSession{client: client, qos: qos}, nil
}

type mqttSession struct {
	client mqtt.Client
	qos    byte
}

// Publish waits for PUBACK (QoS 1) or PUBCOMP (QoS 2).
func (s *mqttSession) Publish(ctx context.Context, destination string, payload []byte) error {
	tok := s.client.Publish(destination, s.qos, false, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *mqttSession) Close() error {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	return nil
}
