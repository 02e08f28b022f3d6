package main

import paho "github.com/eclipse/paho.mqtt.golang"

// newMQTTClient connects with an offline LWT so the engine sees broker
// side disconnects the same way real agent apps produce them.
func newMQTTClient(broker, clientID, willTopic string, willPayload []byte) (paho.Client, error) {
	opts := paho.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	opts.AutoReconnect = true
	if willTopic != "" {
		opts.SetBinaryWill(willTopic, willPayload, 1, false)
	}
	cli := paho.NewClient(opts)
	if token := cli.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return cli, nil
}
