package model

import "strings"

// Account 由身份服务传入的不透明账户标识
type Account string

// AnonymousAccount 匿名主体，不允许发起任何变更操作
const AnonymousAccount Account = "anonymous"

func (a Account) IsAnonymous() bool {
	return strings.TrimSpace(string(a)) == "" || a == AnonymousAccount
}

func (a Account) String() string {
	return string(a)
}
