// Package camlink maintains a live connection to an embedded
// camera/microphone device over two independent transports: a TCP
// multipart-image stream and a UDP audio/control channel.
//
// The stream side opens a raw TCP connection to the device's stream
// endpoint (default port 81, path /stream), parses the multipart response
// incrementally, and delivers decoded frames through a callback, with an
// exponential-backoff reconnection state machine riding out the device's
// flaky embedded HTTP server. The audio side speaks the device's
// half-duplex UDP protocol: PCM datagrams on the data port (default 6970)
// and ASCII mode commands on the control port (data + 1), bridging the
// fixed 16 kHz 16-bit wire format to the local hardware's format.
//
// Example:
//
//	opts := camlink.NewOptions()
//	client, err := camlink.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client.OnFrame(func(frame *mjpeg.Frame) {
//	    display(frame.Data)
//	})
//	client.OnStreamState(func(state stream.State) {
//	    fmt.Println("stream:", state.Kind)
//	})
//
//	client.Start()
//	if err := client.Connect("http://192.168.4.1:81/stream"); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
package camlink
