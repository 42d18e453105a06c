package transport

import "github.com/civicstream/ripple/mux"

// Compile-time interface verification
var (
	_ mux.Transport = (*MockTransport)(nil)
	_ mux.Transport = (*NatsTransport)(nil)
	_ mux.Transport = (*KafkaTransport)(nil)
	_ mux.Transport = (*WSTransport)(nil)
	_ mux.Transport = (*SQLiteTransport)(nil)

	_ mux.Channel = (*MockChannel)(nil)
	_ mux.Channel = (*natsChannel)(nil)
	_ mux.Channel = (*kafkaChannel)(nil)
	_ mux.Channel = (*wsChannel)(nil)
	_ mux.Channel = (*sqliteChannel)(nil)
)
