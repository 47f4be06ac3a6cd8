// Пакет model — доменные модели MediScope Gateway.
package model

import "time"

// User — учётная запись пользователя (таблица users / коллекция users).
// Создаётся при регистрации, далее только читается.
type User struct {
	// ID — UUID пользователя
	ID string
	// Name — отображаемое имя
	Name string
	// Email — уникальный адрес, хранится в нижнем регистре
	Email string
	// PasswordHash — bcrypt-хэш пароля
	PasswordHash string
	// CreatedAt — время регистрации
	CreatedAt time.Time
}

// PublicUser — поля пользователя, которые можно отдавать клиенту.
type PublicUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Public возвращает публичное представление пользователя.
func (u *User) Public() PublicUser {
	return PublicUser{ID: u.ID, Name: u.Name, Email: u.Email}
}
