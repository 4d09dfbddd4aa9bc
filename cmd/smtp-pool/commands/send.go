package commands

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/IshanDwivedii/smtp-pool/internal/delivery"
	"github.com/IshanDwivedii/smtp-pool/internal/message"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one message and exit",
	Long: `Send one message through the configured relays. By default the message
goes over a pooled session; --legacy opens a dedicated connection instead.`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().String("from", "", "sender address")
	sendCmd.Flags().StringSlice("to", nil, "recipient addresses")
	sendCmd.Flags().StringSlice("cc", nil, "carbon copy addresses")
	sendCmd.Flags().StringSlice("bcc", nil, "blind carbon copy addresses")
	sendCmd.Flags().String("subject", "", "message subject")
	sendCmd.Flags().String("body", "", "message body")
	sendCmd.Flags().String("body-file", "", "read the body from a file")
	sendCmd.Flags().Bool("html", false, "send the body as HTML")
	sendCmd.Flags().StringSlice("attach", nil, "files to attach")
	sendCmd.Flags().String("idempotency-key", "", "key that makes retries of this send safe")
	sendCmd.Flags().Bool("legacy", false, "send over a dedicated connection instead of the pool")
	_ = sendCmd.MarkFlagRequired("from")
	_ = sendCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	msg, err := messageFromFlags(cmd)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	svc, err := newService(ctx, cfg, quietLogger())
	if err != nil {
		return err
	}
	defer svc.close()

	var res delivery.Result
	if legacy, _ := cmd.Flags().GetBool("legacy"); legacy {
		res = svc.dispatcher.SendLegacy(ctx, msg)
	} else {
		res = svc.dispatcher.Send(ctx, msg)
	}
	if !res.Success {
		return fmt.Errorf("send failed: %w", res.Err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "sent %s via %s in %s\n", res.MessageID, res.Server, res.Duration)
	return nil
}

func messageFromFlags(cmd *cobra.Command) (*message.Message, error) {
	flags := cmd.Flags()
	from, _ := flags.GetString("from")
	to, _ := flags.GetStringSlice("to")
	subject, _ := flags.GetString("subject")
	body, _ := flags.GetString("body")

	if bodyFile, _ := flags.GetString("body-file"); bodyFile != "" {
		data, err := os.ReadFile(bodyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read body file: %w", err)
		}
		body = string(data)
	}

	msg := message.NewMessage(from, to, subject, body)
	msg.Cc, _ = flags.GetStringSlice("cc")
	msg.Bcc, _ = flags.GetStringSlice("bcc")
	msg.IsHTML, _ = flags.GetBool("html")
	msg.IdempotencyKey, _ = flags.GetString("idempotency-key")

	paths, _ := flags.GetStringSlice("attach")
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment: %w", err)
		}
		mimeType := mime.TypeByExtension(filepath.Ext(path))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		msg.Attachments = append(msg.Attachments, message.Attachment{
			FileName: filepath.Base(path),
			MIMEType: mimeType,
			Content:  content,
		})
	}

	msg.Normalize()
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}
