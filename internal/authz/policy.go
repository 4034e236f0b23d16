// Package authz は既存リソースの変更可否を判定する。
package authz

import "github.com/hitoshi/postboard/internal/model"

// CanMutate はリソースの所有者と要求者が同一である場合にのみtrueを返す。
// 要求者が空の場合は常にfalse。
func CanMutate(resourceOwnerID, requestingSubjectID string) bool {
	return requestingSubjectID != "" && resourceOwnerID == requestingSubjectID
}

// Authorize は変更が許可されない場合にFORBIDDENのAPIErrorを返す。
func Authorize(resourceOwnerID, requestingSubjectID string) error {
	if !CanMutate(resourceOwnerID, requestingSubjectID) {
		return model.NewForbiddenError()
	}
	return nil
}
