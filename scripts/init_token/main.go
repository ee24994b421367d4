package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// 生成同步 token 及其 bcrypt 哈希：哈希配置到服务端 SYNC_TOKEN_HASH，token 写入 agent 配置
func main() {
	var token string
	flag.StringVar(&token, "token", "", "use this token instead of generating one")
	flag.Parse()

	token = strings.TrimSpace(token)
	if token == "" {
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			log.Fatal("生成 token 失败:", err)
		}
		token = hex.EncodeToString(buf)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		log.Fatal("token 加密失败:", err)
	}

	fmt.Println("token:", token)
	fmt.Printf("SYNC_TOKEN_HASH='%s'\n", hashed)
}
