// Package worker is the decoder side of the protocol. A decoder program
// implements Decoder and calls Serve from main; the host starts it with
// the channel on stdin.
//
//	func main() {
//		if err := worker.Serve(context.Background(), myDecoder{}); err != nil {
//			os.Exit(1)
//		}
//	}
package worker
