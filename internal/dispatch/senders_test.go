package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/dropcast/internal/db"
	"github.com/lalithlochan/dropcast/internal/redis"
)

type fakeSNS struct {
	input *sns.PublishInput
	err   error
}

func (f *fakeSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("sns-msg-1")}, nil
}

type fakeSES struct {
	input *ses.SendEmailInput
}

func (f *fakeSES) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = params
	return &ses.SendEmailOutput{MessageId: aws.String("ses-msg-1")}, nil
}

func TestSendersSupportChannel(t *testing.T) {
	logger := zap.NewNop()
	senders := map[db.Channel]Sender{
		db.ChannelPush:     &PushSender{logger: logger},
		db.ChannelEmail:    &EmailSender{logger: logger},
		db.ChannelWhatsApp: NewWhatsAppSender(logger, WhatsAppConfig{}),
		db.ChannelWeb:      NewWebSender(nil, logger),
	}

	for owner, sender := range senders {
		for _, ch := range db.AllChannels {
			if got := sender.SupportsChannel(ch); got != (ch == owner) {
				t.Errorf("%s sender: SupportsChannel(%s) = %v", owner, ch, got)
			}
		}
	}
}

func TestPushSender_PublishesToEndpoint(t *testing.T) {
	client := &fakeSNS{}
	sender := &PushSender{client: client, logger: zap.NewNop()}

	recipient := testRecipient()
	meta, err := sender.Send(context.Background(), &Message{
		Recipient: recipient,
		Content:   testContent(),
		Channel:   db.ChannelPush,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if aws.ToString(client.input.TargetArn) != recipient.PushTarget {
		t.Errorf("target arn = %s", aws.ToString(client.input.TargetArn))
	}
	if aws.ToString(client.input.MessageStructure) != "json" {
		t.Errorf("message structure = %s", aws.ToString(client.input.MessageStructure))
	}

	var envelope pushEnvelope
	if err := json.Unmarshal([]byte(aws.ToString(client.input.Message)), &envelope); err != nil {
		t.Fatalf("message is not a json envelope: %v", err)
	}
	if envelope.Default != "Doors open at 9" {
		t.Errorf("default = %q", envelope.Default)
	}
	if !strings.Contains(envelope.GCM, "Spring drive") {
		t.Errorf("gcm payload missing title: %s", envelope.GCM)
	}
	if !strings.Contains(string(meta), "sns-msg-1") {
		t.Errorf("metadata = %s", meta)
	}
}

func TestPushSender_Errors(t *testing.T) {
	tests := []struct {
		name      string
		client    *fakeSNS
		recipient db.Recipient
		channel   db.Channel
	}{
		{"wrong channel", &fakeSNS{}, testRecipient(), db.ChannelWeb},
		{"missing target", &fakeSNS{}, db.Recipient{}, db.ChannelPush},
		{"publish error", &fakeSNS{err: errors.New("EndpointDisabled")}, testRecipient(), db.ChannelPush},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &PushSender{client: tt.client, logger: zap.NewNop()}
			_, err := sender.Send(context.Background(), &Message{
				Recipient: tt.recipient,
				Content:   testContent(),
				Channel:   tt.channel,
			})
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEmailSender_SendsToRecipient(t *testing.T) {
	client := &fakeSES{}
	sender := &EmailSender{client: client, from: "drops@example.org", logger: zap.NewNop()}

	recipient := db.Recipient{ID: testRecipient().ID, Email: "donor@example.org"}
	if _, err := sender.Send(context.Background(), &Message{
		Recipient: recipient,
		Content:   testContent(),
		Channel:   db.ChannelEmail,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := client.input.Destination.ToAddresses; len(got) != 1 || got[0] != "donor@example.org" {
		t.Errorf("to = %v", got)
	}
	if aws.ToString(client.input.Source) != "drops@example.org" {
		t.Errorf("source = %s", aws.ToString(client.input.Source))
	}
	if aws.ToString(client.input.Message.Subject.Data) != "Spring drive" {
		t.Errorf("subject = %s", aws.ToString(client.input.Message.Subject.Data))
	}
}

func TestEmailSender_MissingAddress(t *testing.T) {
	sender := &EmailSender{client: &fakeSES{}, logger: zap.NewNop()}
	_, err := sender.Send(context.Background(), &Message{
		Recipient: db.Recipient{},
		Content:   testContent(),
		Channel:   db.ChannelEmail,
	})
	if err == nil {
		t.Fatal("expected error for recipient without email")
	}
}

func TestWhatsAppSender_Success(t *testing.T) {
	var received whatsAppRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"message_id":"wa-1"}`))
	}))
	defer server.Close()

	sender := NewWhatsAppSender(zap.NewNop(), WhatsAppConfig{GatewayURL: server.URL, Token: "secret"})
	meta, err := sender.Send(context.Background(), &Message{
		Recipient: db.Recipient{ID: testRecipient().ID, WhatsAppOptIn: true, WhatsAppNumber: "+15550001111"},
		Content:   testContent(),
		Channel:   db.ChannelWhatsApp,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if received.To != "+15550001111" {
		t.Errorf("to = %s", received.To)
	}
	if !strings.HasPrefix(received.Text.Body, "Spring drive") {
		t.Errorf("text = %q", received.Text.Body)
	}
	if auth != "Bearer secret" {
		t.Errorf("authorization = %q", auth)
	}
	if !strings.Contains(string(meta), "wa-1") {
		t.Errorf("metadata = %s", meta)
	}
}

func TestWhatsAppSender_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	sender := NewWhatsAppSender(zap.NewNop(), WhatsAppConfig{GatewayURL: server.URL})
	meta, err := sender.Send(context.Background(), &Message{
		Recipient: db.Recipient{ID: testRecipient().ID, WhatsAppNumber: "+15550001111"},
		Content:   testContent(),
		Channel:   db.ChannelWhatsApp,
	})
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error = %v", err)
	}
	if !strings.Contains(string(meta), "upstream down") {
		t.Errorf("metadata should carry the response: %s", meta)
	}
}

func TestWhatsAppSender_TruncatedBodyIsStorable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		// The 1024-byte cut lands inside the two-byte é.
		w.Write([]byte(strings.Repeat("a", 1023) + "é\x00"))
	}))
	defer server.Close()

	sender := NewWhatsAppSender(zap.NewNop(), WhatsAppConfig{GatewayURL: server.URL})
	meta, err := sender.Send(context.Background(), &Message{
		Recipient: db.Recipient{ID: testRecipient().ID, WhatsAppNumber: "+15550001111"},
		Content:   testContent(),
		Channel:   db.ChannelWhatsApp,
	})
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if msg := err.Error(); !utf8.ValidString(msg) || strings.IndexByte(msg, 0) >= 0 {
		t.Errorf("error text not storable: %q", msg)
	}
	if !utf8.Valid(meta) || strings.Contains(string(meta), `\u0000`) {
		t.Errorf("metadata not storable: %s", meta)
	}
}

func TestWebSender_PublishesToUserChannel(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	recipient := db.Recipient{ID: testRecipient().ID, ActiveSession: true}

	sub := rdb.Subscribe(ctx, WebChannelName(recipient.ID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	sender := NewWebSender(redis.Wrap(rdb, zap.NewNop()), zap.NewNop())
	meta, err := sender.Send(ctx, &Message{Recipient: recipient, Content: testContent(), Channel: db.ChannelWeb})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(meta), `"receivers":1`) {
		t.Errorf("metadata = %s", meta)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	var got notification
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if got.Title != "Spring drive" {
		t.Errorf("title = %q", got.Title)
	}
}
