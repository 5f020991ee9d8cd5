package sqlite

import (
	"context"

	gateway "github.com/nanogw/nanogw/internal"
)

// GetChatSignature retrieves a stored attestation signature by chat id.
func (s *Store) GetChatSignature(ctx context.Context, chatID string) (*gateway.ChatSignature, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT chat_id, text, signature, signing_address, signing_algo
		 FROM chat_signatures WHERE chat_id=?`, chatID,
	)
	var sig gateway.ChatSignature
	err := row.Scan(&sig.ChatID, &sig.Text, &sig.Signature, &sig.SigningAddress, &sig.SigningAlgo)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return &sig, nil
}

// PutChatSignature stores (or replaces) a chat's attestation signature.
func (s *Store) PutChatSignature(ctx context.Context, sig *gateway.ChatSignature) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO chat_signatures (chat_id, text, signature, signing_address, signing_algo)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET text=excluded.text, signature=excluded.signature,
		   signing_address=excluded.signing_address, signing_algo=excluded.signing_algo`,
		sig.ChatID, sig.Text, sig.Signature, sig.SigningAddress, sig.SigningAlgo,
	)
	return err
}
