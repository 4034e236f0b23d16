// Package model はドメインモデルを定義する。
package model

import "time"

// User は外部IdPが管理するユーザーを表す。
// このサービスは表示用フィールドの解決にのみ参照する。
type User struct {
	ID        string
	Username  string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
