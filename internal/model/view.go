package model

// PostView は投稿と作成者の表示情報の組。
// 作成者がユーザーテーブルに存在しない場合、Authorはnil。
type PostView struct {
	Post   *Post
	Author *User
}

// CommentView はコメントと作成者の表示情報の組。
type CommentView struct {
	Comment *Comment
	Author  *User
}

// PostDetail は投稿詳細の表示に必要な投稿とコメント一覧。
// コメントは作成日時の昇順。
type PostDetail struct {
	Post     *PostView
	Comments []*CommentView
}
