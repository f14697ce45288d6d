package websocket

import (
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// socketClient pairs an upgraded connection with the id the hub knows it
// by. The underlying connection does not tolerate concurrent writers, so
// all sends are funnelled through the hub's send loop.
type socketClient struct {
	id     *uuid.UUID
	socket *websocket.Conn
}

func (client *socketClient) SendMessage(message *SocketMessage) error {
	return client.socket.WriteJSON(message)
}

// Read pumps inbound messages on to the provided channel, stamping each
// with this client's id as its origin. The loop only returns once the
// connection closes or a payload fails to decode; deregistering the
// client afterwards is the caller's job.
func (client *socketClient) Read(receiveCh chan *SocketMessage) error {
	for {
		var recv SocketMessage
		if err := client.socket.ReadJSON(&recv); err != nil {
			return err
		}

		recv.Origin = client.id
		receiveCh <- &recv
	}
}

func (client *socketClient) Close() {
	client.socket.Close()
}
