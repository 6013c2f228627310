package domain

import "time"

// CredentialStatus описывает состояние внешних учётных данных.
type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialRevoked CredentialStatus = "revoked"
)

// RedditCredential хранит зашифрованные токены Reddit пользователя.
type RedditCredential struct {
	DiscordUserID   string
	AccessTokenEnc  string
	RefreshTokenEnc string
	ExpireAt        time.Time
	Status          CredentialStatus
}

// Usable сообщает, можно ли использовать токен на момент now.
func (c RedditCredential) Usable(now time.Time) bool {
	return c.Status == CredentialActive && c.ExpireAt.After(now)
}

// OAuthToken — результат обновления токена у провайдера.
type OAuthToken struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// LookupKeyCandidate — лента, для которой нужно выставить или снять ключ поиска.
type LookupKeyCandidate struct {
	FeedID    string
	LookupKey string
}

// LookupKeyUpdate задаёт ключ поиска ленты. Пустой LookupKey снимает ключ.
type LookupKeyUpdate struct {
	FeedID    string
	LookupKey string
}

// FeedLimitOverride — устаревшая добавка к лимиту пользовательских лент.
type FeedLimitOverride struct {
	DiscordUserID       string
	AdditionalUserFeeds int
}
