// Command libdepthstream builds the consumer API as a C shared library:
//
//	go build -buildmode=c-shared -o libdepthstream.so ./cmd/libdepthstream
package main

func main() {}
