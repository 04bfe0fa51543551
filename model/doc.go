// Package model holds the plain data types shared by the engine, its stores,
// and the HTTP layer. Types here carry no persistence or policy logic beyond
// small derived accessors such as [User.LoginMethods].
package model
