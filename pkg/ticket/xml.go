package ticket

import (
	"encoding/xml"
	"fmt"
	"time"
)

const afipTimeLayout = "2006-01-02T15:04:05.000-07:00"

type loginTicketRequestParams struct {
	UniqueID       int64
	GenerationTime time.Time
	ExpirationTime time.Time
	Service        string
	Source         string
	Destination    string
}

// loginTicketRequest mirrors AFIP's WSAA request schema.
type loginTicketRequest struct {
	XMLName xml.Name `xml:"loginTicketRequest"`
	Version string   `xml:"version,attr"`
	Header  struct {
		UniqueID       int64  `xml:"uniqueId"`
		GenerationTime string `xml:"generationTime"`
		ExpirationTime string `xml:"expirationTime"`
	} `xml:"header"`
	Service string `xml:"service"`
}

func buildLoginTicketRequest(p loginTicketRequestParams) ([]byte, error) {
	req := loginTicketRequest{Version: "1.0", Service: p.Service}
	req.Header.UniqueID = p.UniqueID
	req.Header.GenerationTime = p.GenerationTime.Format(afipTimeLayout)
	req.Header.ExpirationTime = p.ExpirationTime.Format(afipTimeLayout)

	out, err := xml.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal loginTicketRequest: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// loginTicketResponse mirrors AFIP's WSAA response schema.
type loginTicketResponse struct {
	XMLName xml.Name `xml:"loginTicketResponse"`
	Header  struct {
		Source         string `xml:"source"`
		Destination    string `xml:"destination"`
		UniqueID       int64  `xml:"uniqueId"`
		GenerationTime string `xml:"generationTime"`
		ExpirationTime string `xml:"expirationTime"`
	} `xml:"header"`
	Credentials struct {
		Token string `xml:"token"`
		Sign  string `xml:"sign"`
	} `xml:"credentials"`
}

func parseLoginTicketResponse(raw []byte) (*loginTicketResponse, error) {
	var resp loginTicketResponse
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal loginTicketResponse: %w", err)
	}
	if resp.Credentials.Token == "" || resp.Credentials.Sign == "" {
		return nil, fmt.Errorf("loginTicketResponse missing token/sign")
	}
	return &resp, nil
}

// parseExpirationTime unmarshals a stored loginTicketResponse XML document
// and returns its parsed <expirationTime> — used by FileStore.Load, which the
// is_expired/is_expiring_soon predicates read straight off disk through.
func parseExpirationTime(raw []byte) (time.Time, error) {
	var resp loginTicketResponse
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return time.Time{}, fmt.Errorf("unmarshal loginTicketResponse: %w", err)
	}
	t, err := time.Parse(afipTimeLayout, resp.Header.ExpirationTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse expirationTime %q: %w", resp.Header.ExpirationTime, err)
	}
	return t, nil
}

func parseGenerationTime(raw []byte) (time.Time, error) {
	var resp loginTicketResponse
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return time.Time{}, fmt.Errorf("unmarshal loginTicketResponse: %w", err)
	}
	t, err := time.Parse(afipTimeLayout, resp.Header.GenerationTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse generationTime %q: %w", resp.Header.GenerationTime, err)
	}
	return t, nil
}
