// Package dns answers every DNS query with the portal's own address, which is
// what sends a freshly connected client to the control page.
package dns

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"

	"golang.org/x/net/dns/dnsmessage"

	"relayportal/metrics"
)

var (
	// ErrShortQuery is returned for datagrams that cannot hold a DNS header.
	// Such datagrams are dropped.
	ErrShortQuery = errors.New("dns query shorter than header")

	// ErrNotIPv4 is returned when the answer address has no 4-byte form.
	ErrNotIPv4 = errors.New("answer address is not IPv4")

	errNoQuestion = errors.New("query carries no question")
)

// Responder synthesizes single A record answers.
type Responder struct {
	ttl        uint32
	logQueries bool
}

// NewResponder creates a Responder answering with the given TTL (seconds).
// A zero TTL selects DefaultTTL. With logQueries set, every queried name is
// logged.
func NewResponder(ttl uint32, logQueries bool) *Responder {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Responder{ttl: ttl, logQueries: logQueries}
}

// Respond builds the answer to query. The transaction ID and the question
// section are echoed, the flags say "response, no error", and exactly one A
// record pointing at ip follows, whatever name or type was asked for.
func (r *Responder) Respond(query []byte, ip net.IP) ([]byte, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("%w: %v", ErrNotIPv4, ip)
	}
	if len(query) < headerSize {
		metrics.DNSQueriesTotal.WithLabelValues("dropped").Inc()
		return nil, fmt.Errorf("%w: %d bytes", ErrShortQuery, len(query))
	}

	response, name, err := r.build(query, ip4)
	if err != nil {
		log.Printf("DNS: Query 0x%04x has no usable question section (%v), answering from raw bytes", queryID(query), err)
		metrics.DNSQueriesTotal.WithLabelValues("fallback").Inc()
		return r.buildRaw(query, ip4), nil
	}

	if IsConnectivityCheckDomain(name) {
		metrics.DNSQueriesTotal.WithLabelValues("connectivity_check").Inc()
		if r.logQueries {
			log.Printf("DNS: Connectivity check %s -> %s", name, ip4)
		}
	} else {
		metrics.DNSQueriesTotal.WithLabelValues("answered").Inc()
		if r.logQueries {
			log.Printf("DNS: Query for %s -> %s", name, ip4)
		}
	}
	return response, nil
}

// build parses the query and packs the answer. It returns the first queried
// name for logging.
func (r *Responder) build(query []byte, ip4 net.IP) ([]byte, string, error) {
	var p dnsmessage.Parser
	header, err := p.Start(query)
	if err != nil {
		return nil, "", err
	}
	questions, err := p.AllQuestions()
	if err != nil {
		return nil, "", err
	}
	if len(questions) == 0 {
		return nil, "", errNoQuestion
	}

	b := dnsmessage.NewBuilder(make([]byte, 0, MaxMessageSize), dnsmessage.Header{
		ID:                 header.ID,
		Response:           true,
		RecursionDesired:   true,
		RecursionAvailable: true,
		RCode:              dnsmessage.RCodeSuccess,
	})
	// With compression on, the answer name becomes a pointer to the first
	// question, like the raw layout below.
	b.EnableCompression()

	if err := b.StartQuestions(); err != nil {
		return nil, "", err
	}
	for _, q := range questions {
		if err := b.Question(q); err != nil {
			return nil, "", err
		}
	}
	if err := b.StartAnswers(); err != nil {
		return nil, "", err
	}

	var addr [4]byte
	copy(addr[:], ip4)
	err = b.AResource(dnsmessage.ResourceHeader{
		Name:  questions[0].Name,
		Type:  dnsmessage.TypeA,
		Class: dnsmessage.ClassINET,
		TTL:   r.ttl,
	}, dnsmessage.AResource{A: addr})
	if err != nil {
		return nil, "", err
	}

	msg, err := b.Finish()
	if err != nil {
		return nil, "", err
	}
	return msg, questions[0].Name.String(), nil
}

// buildRaw answers a query whose questions could not be parsed. The header
// fields are rewritten in place of the query's and the complete questions
// are copied through untouched. Without any complete question the answer
// is for the root name, since a pointer at offset 12 would point at itself.
func (r *Responder) buildRaw(query []byte, ip4 net.IP) []byte {
	qdCount := binary.BigEndian.Uint16(query[headerQDCountOffset : headerQDCountOffset+2])
	end, complete, _ := questionsEnd(query, int(qdCount))

	response := make([]byte, 0, end+16)
	response = append(response, query[headerIDOffset:headerIDOffset+2]...)
	response = binary.BigEndian.AppendUint16(response, responseFlags)
	response = binary.BigEndian.AppendUint16(response, uint16(complete))
	response = binary.BigEndian.AppendUint16(response, 1) // ANCOUNT
	response = binary.BigEndian.AppendUint16(response, 0) // NSCOUNT
	response = binary.BigEndian.AppendUint16(response, 0) // ARCOUNT
	response = append(response, query[headerSize:end]...)

	if complete > 0 {
		response = binary.BigEndian.AppendUint16(response, namePointer)
	} else {
		response = append(response, rootName)
	}
	response = binary.BigEndian.AppendUint16(response, typeA)
	response = binary.BigEndian.AppendUint16(response, classIN)
	response = binary.BigEndian.AppendUint32(response, r.ttl)
	response = binary.BigEndian.AppendUint16(response, 4)
	response = append(response, ip4...)
	return response
}
