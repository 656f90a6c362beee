package email

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESAPI is the subset of the SES client used for delivery
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESSender delivers messages through AWS SES
type SESSender struct {
	client   SESAPI
	from     string
	renderer *Renderer
}

// NewSESSender creates an SES sender. A nil renderer uses the built-in templates.
func NewSESSender(client SESAPI, from string, renderer *Renderer) *SESSender {
	if renderer == nil {
		renderer = NewRenderer()
	}
	return &SESSender{client: client, from: from, renderer: renderer}
}

// Send renders and delivers msg
func (s *SESSender) Send(ctx context.Context, msg Message) error {
	rendered, err := s.renderer.Render(msg)
	if err != nil {
		return err
	}

	input := &ses.SendEmailInput{
		Source:      aws.String(s.from),
		Destination: &types.Destination{ToAddresses: []string{msg.To}},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(rendered.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(rendered.Text),
					Charset: aws.String("UTF-8"),
				},
				Html: &types.Content{
					Data:    aws.String(rendered.HTML),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("ses send %s: %w", msg.Template, err)
	}
	return nil
}
