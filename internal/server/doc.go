// Package server assembles the media API behind a chi router.
//
// The router applies request IDs, proxy-aware client addresses, metrics,
// request logging, panic recovery, security headers and CORS to every
// route. Upload and delete additionally pass through bearer-token
// authentication, and uploads through the rate limiter.
package server
