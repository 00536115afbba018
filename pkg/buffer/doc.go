// Package buffer provides thread-safe buffer implementations for streaming data processing.
//
// The buffer package offers two buffer types, each optimized for different use cases:
//
//   - Buffer: A growable buffer that automatically expands as needed.
//     Suitable for variable data sizes where the total size is unknown, such
//     as a wire connection's partially-received frame.
//
//   - RingBuffer: A fixed-size buffer that overwrites oldest data when full.
//     Perfect for maintaining sliding windows of recent data, such as an
//     admin observation stream's last-N-messages view.
//
// Both buffers implement common interfaces (io.Reader, io.Writer, io.Closer) and support
// concurrent access from multiple goroutines. They provide graceful shutdown mechanisms
// through CloseWrite() (allows reads to continue) or CloseWithError() (immediate closure).
//
// The package also includes a BytesBuffer interface for unified access to
// byte buffer implementations.
//
// Example usage:
//
//	// Create a growable byte buffer
//	buf := buffer.Bytes()
//
//	// Write data
//	buf.Write([]byte("hello"))
//
//	// Read data
//	data := make([]byte, 5)
//	n, err := buf.Read(data)
//
//	// Graceful shutdown
//	buf.CloseWrite()
package buffer
