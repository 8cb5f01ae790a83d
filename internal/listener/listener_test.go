package listener_test

import (
	"bufio"
	"fmt"
	"net"
	"time"

	proxyproto "github.com/pires/go-proxyproto"

	"policy-proxy-go/internal/listener"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// acceptOne accepts a single connection from ln in the background.
func acceptOne(ln net.Listener) <-chan net.Conn {
	ch := make(chan net.Conn, 1)
	go func() {
		defer GinkgoRecover()
		conn, err := ln.Accept()
		Expect(err).NotTo(HaveOccurred())
		ch <- conn
	}()
	return ch
}

var _ = Describe("Listener", func() {
	Describe("Listen", func() {
		It("returns a plain listener without PROXY support", func() {
			ln, err := listener.Listen("127.0.0.1:0", false)
			Expect(err).NotTo(HaveOccurred())
			defer ln.Close()

			accepted := acceptOne(ln)
			client, err := net.Dial("tcp", ln.Addr().String())
			Expect(err).NotTo(HaveOccurred())
			defer client.Close()

			var server net.Conn
			Eventually(accepted).Should(Receive(&server))
			defer server.Close()
			Expect(server).NotTo(BeAssignableToTypeOf(&listener.Conn{}))
			Expect(server.RemoteAddr().String()).To(Equal(client.LocalAddr().String()))
		})

		It("fails on an address that cannot be bound", func() {
			_, err := listener.Listen("127.0.0.1:99999", false)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("bind 127.0.0.1:99999"))
		})
	})

	Describe("PROXY protocol", func() {
		var (
			ln       net.Listener
			accepted <-chan net.Conn
			client   net.Conn
		)

		BeforeEach(func() {
			var err error
			ln, err = listener.Listen("127.0.0.1:0", true)
			Expect(err).NotTo(HaveOccurred())

			accepted = acceptOne(ln)
			client, err = net.Dial("tcp", ln.Addr().String())
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			client.Close()
			ln.Close()
		})

		serverConn := func() net.Conn {
			var server net.Conn
			Eventually(accepted).Should(Receive(&server))
			return server
		}

		It("uses the addresses from a v1 header", func() {
			header := &proxyproto.Header{
				Command:            proxyproto.PROXY,
				DestinationAddress: net.ParseIP("10.0.0.1"),
				DestinationPort:    3128,
				SourceAddress:      net.ParseIP("203.0.113.9"),
				SourcePort:         40000,
				TransportProtocol:  proxyproto.TCPv4,
				Version:            1,
			}
			_, err := header.WriteTo(client)
			Expect(err).NotTo(HaveOccurred())
			fmt.Fprint(client, "GET / HTTP/1.1\r\n")

			server := serverConn()
			defer server.Close()

			Expect(server.RemoteAddr().String()).To(Equal("203.0.113.9:40000"))
			Expect(server.LocalAddr().String()).To(Equal("10.0.0.1:3128"))

			line, err := bufio.NewReader(server).ReadString('\n')
			Expect(err).NotTo(HaveOccurred())
			Expect(line).To(Equal("GET / HTTP/1.1\r\n"))
		})

		It("uses the addresses from a v2 header", func() {
			header := &proxyproto.Header{
				Command:            proxyproto.PROXY,
				DestinationAddress: net.ParseIP("10.0.0.1"),
				DestinationPort:    8080,
				SourceAddress:      net.ParseIP("198.51.100.20"),
				SourcePort:         51000,
				TransportProtocol:  proxyproto.TCPv4,
				Version:            2,
			}
			_, err := header.WriteTo(client)
			Expect(err).NotTo(HaveOccurred())
			fmt.Fprint(client, "data\n")

			server := serverConn()
			defer server.Close()

			Expect(server.RemoteAddr().String()).To(Equal("198.51.100.20:51000"))
			Expect(server.(*listener.Conn).Header()).NotTo(BeNil())
		})

		It("passes through connections without a header", func() {
			fmt.Fprint(client, "GET / HTTP/1.1\r\n")

			server := serverConn()
			defer server.Close()

			Expect(server.RemoteAddr().String()).To(Equal(client.LocalAddr().String()))
			Expect(server.(*listener.Conn).Header()).To(BeNil())

			line, err := bufio.NewReader(server).ReadString('\n')
			Expect(err).NotTo(HaveOccurred())
			Expect(line).To(Equal("GET / HTTP/1.1\r\n"))
		})

		It("supports half-close", func() {
			fmt.Fprint(client, "x")

			server := serverConn()
			defer server.Close()

			Expect(server.(*listener.Conn).CloseWrite()).To(Succeed())

			_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
			buf := make([]byte, 1)
			_, err := client.Read(buf)
			Expect(err).To(HaveOccurred())
		})
	})
})
