/* Copyright 2024 Caffenet, Inc.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bus

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// pahoLink adapts a Paho MQTT client to the link interface.  Paho's
// own auto-reconnect stays off; the Client's bounded backoff loop is
// in charge.
type pahoLink struct {
	client mqtt.Client
}

// newPahoLink builds the Paho client for a named logical connection.
// The lost and inbound callbacks are wired by the Registry to the
// owning Client.
func newPahoLink(name, clientID string, policy Policy,
	lost func(error), inbound func(topic string, payload []byte)) (*pahoLink, error) {

	opts := mqtt.NewClientOptions()
	opts.AddBroker(policy.BrokerURL)
	opts.SetClientID(clientID)
	opts.SetKeepAlive(policy.KeepAlive)
	opts.SetConnectTimeout(policy.ConnectTimeout)
	opts.Username = policy.Username
	opts.Password = policy.Password
	opts.CleanSession = policy.CleanSession
	opts.AutoReconnect = false

	// Last will: the broker announces "offline" on our behalf if
	// we disappear uncleanly.
	opts.WillEnabled = true
	opts.WillTopic = WillTopic(name)
	opts.WillPayload = []byte(StatusOffline)
	opts.WillRetained = true
	opts.WillQos = policy.QoS

	tlsConf, err := policyTLS(policy)
	if err != nil {
		return nil, err
	}
	if tlsConf != nil {
		opts.SetTLSConfig(tlsConf)
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		lost(err)
	}
	opts.DefaultPublishHandler = func(_ mqtt.Client, msg mqtt.Message) {
		inbound(msg.Topic(), msg.Payload())
	}

	return &pahoLink{client: mqtt.NewClient(opts)}, nil
}

func policyTLS(policy Policy) (*tls.Config, error) {
	if policy.CAFile == "" && policy.CertFile == "" && !policy.Insecure {
		return nil, nil
	}
	conf := &tls.Config{
		InsecureSkipVerify: policy.Insecure,
	}
	if policy.CAFile != "" {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		pem, err := ioutil.ReadFile(policy.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			log.Printf("bus: no certs appended from %s; using system certs only", policy.CAFile)
		}
		conf.RootCAs = pool
	}
	if policy.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(policy.CertFile, policy.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client cert: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	return conf, nil
}

func (l *pahoLink) Connect() error {
	t := l.client.Connect()
	t.Wait()
	return t.Error()
}

func (l *pahoLink) Publish(topic string, qos byte, retained bool, payload []byte) error {
	t := l.client.Publish(topic, qos, retained, payload)
	t.Wait()
	return t.Error()
}

// Subscribe uses a nil per-subscription callback: all deliveries go
// through the DefaultPublishHandler into the owning Client's router,
// which keeps per-topic ordering on one goroutine.
func (l *pahoLink) Subscribe(pattern string, qos byte) error {
	t := l.client.Subscribe(pattern, qos, nil)
	t.Wait()
	return t.Error()
}

func (l *pahoLink) Disconnect(quiesce uint) {
	l.client.Disconnect(quiesce)
}

func (l *pahoLink) IsConnected() bool {
	return l.client.IsConnected()
}
